package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// composeFields maps compose keys to order JSON fields
var composeFields = map[string]string{
	"id":       "id",
	"customer": "customer_name",
	"notes":    "notes",
	"address":  "address",
	"payment":  "payment_method",
	"total":    "total",
}

// composeOrder builds an order from key:value arguments. Every item:
// argument becomes one line of the description.
//
//	id:42 customer:"Ana" item:"2x Soup" item:"1x Tea" total:12.50
func composeOrder(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, errors.New("no compose arguments provided")
	}

	order := map[string]any{}
	var items []string

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, errors.Newf("argument must be in format 'name:value', got: %s", arg)
		}
		value = strings.Trim(value, `"'`)

		if key == "item" {
			items = append(items, value)
			continue
		}

		field, known := composeFields[key]
		if !known {
			return nil, errors.WithHint(
				errors.Newf("unknown compose field: %s", key),
				"use id, customer, item, notes, address, payment or total")
		}

		if key == "total" {
			if _, err := decimal.NewFromString(strings.ReplaceAll(value, ",", ".")); err != nil {
				return nil, errors.Wrapf(err, "invalid total %q", value)
			}
		}
		order[field] = value
	}

	if len(items) == 0 {
		return nil, errors.New("at least one item: argument is required")
	}
	order["description"] = strings.Join(items, "\n")

	return order, nil
}

// writeComposedOrder stores a composed order in a temp file for the
// print command
func writeComposedOrder(args []string) (string, error) {
	order, err := composeOrder(args)
	if err != nil {
		return "", err
	}

	tmpFile, err := os.CreateTemp("", "order-composed-*.json")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer tmpFile.Close()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(order); err != nil {
		os.Remove(tmpFile.Name())
		return "", errors.Wrap(err, "write order JSON")
	}

	return tmpFile.Name(), nil
}
