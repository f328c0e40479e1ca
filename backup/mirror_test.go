package backup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoerceType(t *testing.T) {
	tests := []struct {
		sqlite string
		mysql  string
	}{
		{"INTEGER", "BIGINT"},
		{"INT", "BIGINT"},
		{"BIGINT", "BIGINT"},
		{"REAL", "DOUBLE"},
		{"FLOAT", "DOUBLE"},
		{"DOUBLE", "DOUBLE"},
		{"NUMERIC(10,2)", "DOUBLE"},
		{"DECIMAL", "DOUBLE"},
		{"DATE", "DATETIME"},
		{"DATETIME", "DATETIME"},
		{"TIMESTAMP", "DATETIME"},
		{"BLOB", "LONGBLOB"},
		{"TEXT", "LONGTEXT"},
		{"VARCHAR(50)", "LONGTEXT"},
		{"", "LONGTEXT"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.mysql, coerceType(tt.sqlite), "coerce %q", tt.sqlite)
	}
}

func TestColByName(t *testing.T) {
	cols := []column{
		{Name: "id", Type: "INTEGER", PK: 1},
		{Name: "name", Type: "TEXT"},
	}
	require.Equal(t, "INTEGER", colByName(cols, "id").Type)
	require.Empty(t, colByName(cols, "missing").Name)
}
