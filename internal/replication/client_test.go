package replication

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRowDescriptionAndDataRow(t *testing.T) {
	var rd []byte
	rd = binary.BigEndian.AppendUint16(rd, 2)
	rd = append(rd, "col1\x00"...)
	rd = append(rd, make([]byte, 18)...)
	rd = append(rd, "col2\x00"...)
	rd = append(rd, make([]byte, 18)...)

	cols := decodeRowDescription(rd)
	require.Equal(t, []string{"col1", "col2"}, cols)

	var dr []byte
	dr = binary.BigEndian.AppendUint16(dr, 2)
	dr = binary.BigEndian.AppendUint32(dr, 3)
	dr = append(dr, "abc"...)
	dr = binary.BigEndian.AppendUint32(dr, 0xFFFFFFFF) // -1 length: NULL
	row := decodeDataRow(dr)
	require.Len(t, row.Values, 2)
	require.NotNil(t, row.Values[0])
	require.Equal(t, "abc", *row.Values[0])
	require.Nil(t, row.Values[1])
}

func TestParseErrorResponseExtractsMessageAndCode(t *testing.T) {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, "ERROR\x00"...)
	payload = append(payload, 'C')
	payload = append(payload, "42601\x00"...)
	payload = append(payload, 'M')
	payload = append(payload, "syntax error\x00"...)
	payload = append(payload, 0)

	err := parseErrorResponse(payload)
	require.Contains(t, err.Error(), "syntax error")
	require.Contains(t, err.Error(), "42601")
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	require.Equal(t, `"my""slot"`, quoteIdent(`my"slot`))
}
