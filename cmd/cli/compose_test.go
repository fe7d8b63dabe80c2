package main

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/order-print-agent/internal/order"
)

func TestComposeOrder(t *testing.T) {
	got, err := composeOrder([]string{`id:42`, `customer:"Ana"`, `item:"2x Soup"`, `item:1x Tea`, `total:12,50`})
	require.NoError(t, err)

	want := map[string]any{
		"id":            "42",
		"customer_name": "Ana",
		"description":   "2x Soup\n1x Tea",
		"total":         "12,50",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("composeOrder mismatch (-want +got):\n%s", diff)
	}
}

func TestComposeOrder_Errors(t *testing.T) {
	_, err := composeOrder(nil)
	assert.Error(t, err)

	_, err = composeOrder([]string{"item"})
	assert.Error(t, err)

	_, err = composeOrder([]string{"colour:red", "item:x"})
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = composeOrder([]string{"total:abc", "item:x"})
	assert.Error(t, err)

	_, err = composeOrder([]string{"id:1"})
	assert.Error(t, err)
}

func TestWriteComposedOrder_DecodesAsOrder(t *testing.T) {
	path, err := writeComposedOrder([]string{"id:7", "item:Pastel", "total:8.00"})
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var p order.Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "7", p.ID)
	assert.Equal(t, "Pastel", p.Description)
	assert.Equal(t, "8", p.Total.String())
}

func TestBuildCommand(t *testing.T) {
	cmd, cleanup, err := buildCommand([]string{"printer", "rename", "a1", "Kitchen Printer"})
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, `printer rename a1 "Kitchen Printer"`, cmd)

	cmd, _, err = buildCommand([]string{"print", "order.json"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cmd, "print /"), cmd)

	cmd, _, err = buildCommand([]string{"print", "https://example.com/o.json"})
	require.NoError(t, err)
	assert.Equal(t, "print https://example.com/o.json", cmd)

	cmd, cleanup, err = buildCommand([]string{"print", "--compose", "item:x"})
	require.NoError(t, err)
	path := strings.TrimPrefix(cmd, "print ")
	assert.FileExists(t, path)
	cleanup()
	assert.NoFileExists(t, path)
}
