package postgres

import (
	"encoding/binary"
	"fmt"
)

// relation is the pgoutput Relation message: column names/types for a
// given relation id, cached so Insert/Update/Delete messages (which
// carry only the relation id) can be resolved to column names.
type relation struct {
	namespace string
	name      string
	columns   []string
}

// decoder tracks pgoutput Relation messages across a single replication
// stream and turns raw WAL records into decoded row changes.
type decoder struct {
	relations map[uint32]relation
}

func newDecoder() *decoder {
	return &decoder{relations: make(map[uint32]relation)}
}

// rowChange is a decoded pgoutput Insert/Update/Delete, resolved against
// a cached Relation message.
type rowChange struct {
	namespace string
	table     string
	operation string // insert | update | delete
	columns   []string
	values    []any
}

// decode parses one pgoutput message. Begin/Commit/Type/Truncate/Origin
// messages are recognized and skipped (they carry no row data this
// connector surfaces); Relation messages update the cache; Insert/
// Update/Delete messages return a rowChange.
func (d *decoder) decode(data []byte) (*rowChange, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty pgoutput message")
	}
	switch data[0] {
	case 'R':
		return nil, d.decodeRelation(data[1:])
	case 'I':
		return d.decodeInsert(data[1:])
	case 'U':
		return d.decodeUpdate(data[1:])
	case 'D':
		return d.decodeDelete(data[1:])
	case 'B', 'C', 'Y', 'O', 'T':
		return nil, nil
	default:
		return nil, nil
	}
}

func (d *decoder) decodeRelation(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("relation message too short")
	}
	relID := binary.BigEndian.Uint32(b)
	b = b[4:]
	ns, b, err := readCString(b)
	if err != nil {
		return err
	}
	name, b, err := readCString(b)
	if err != nil {
		return err
	}
	if len(b) < 3 {
		return fmt.Errorf("relation message truncated")
	}
	b = b[1:] // replica identity
	numCols := binary.BigEndian.Uint16(b)
	b = b[2:]
	cols := make([]string, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		if len(b) < 1 {
			return fmt.Errorf("relation column truncated")
		}
		b = b[1:] // flags
		colName, rest, err := readCString(b)
		if err != nil {
			return err
		}
		b = rest
		if len(b) < 8 {
			return fmt.Errorf("relation column type/modifier truncated")
		}
		b = b[8:] // type oid (4) + type modifier (4)
		cols = append(cols, colName)
	}
	d.relations[relID] = relation{namespace: ns, name: name, columns: cols}
	return nil
}

func (d *decoder) decodeInsert(b []byte) (*rowChange, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("insert message too short")
	}
	relID := binary.BigEndian.Uint32(b)
	rel, ok := d.relations[relID]
	if !ok {
		return nil, fmt.Errorf("insert for unknown relation %d", relID)
	}
	b = b[4:]
	if b[0] != 'N' {
		return nil, fmt.Errorf("insert message missing tuple marker")
	}
	values, err := decodeTuple(b[1:], len(rel.columns))
	if err != nil {
		return nil, err
	}
	return &rowChange{namespace: rel.namespace, table: rel.name, operation: "insert", columns: rel.columns, values: values}, nil
}

func (d *decoder) decodeUpdate(b []byte) (*rowChange, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("update message too short")
	}
	relID := binary.BigEndian.Uint32(b)
	rel, ok := d.relations[relID]
	if !ok {
		return nil, fmt.Errorf("update for unknown relation %d", relID)
	}
	b = b[4:]
	// Optional key/old-tuple sections (K or O) precede the new tuple (N).
	for len(b) > 0 && (b[0] == 'K' || b[0] == 'O') {
		_, rest, err := skipTuple(b[1:], len(rel.columns))
		if err != nil {
			return nil, err
		}
		b = rest
	}
	if len(b) == 0 || b[0] != 'N' {
		return nil, fmt.Errorf("update message missing new tuple")
	}
	values, err := decodeTuple(b[1:], len(rel.columns))
	if err != nil {
		return nil, err
	}
	return &rowChange{namespace: rel.namespace, table: rel.name, operation: "update", columns: rel.columns, values: values}, nil
}

func (d *decoder) decodeDelete(b []byte) (*rowChange, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("delete message too short")
	}
	relID := binary.BigEndian.Uint32(b)
	rel, ok := d.relations[relID]
	if !ok {
		return nil, fmt.Errorf("delete for unknown relation %d", relID)
	}
	b = b[4:]
	if len(b) == 0 || (b[0] != 'K' && b[0] != 'O') {
		return nil, fmt.Errorf("delete message missing key/old tuple")
	}
	values, err := decodeTuple(b[1:], len(rel.columns))
	if err != nil {
		return nil, err
	}
	return &rowChange{namespace: rel.namespace, table: rel.name, operation: "delete", columns: rel.columns, values: values}, nil
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("unterminated string")
}

func decodeTuple(b []byte, numCols int) ([]any, error) {
	values, rest, err := parseTuple(b, numCols)
	_ = rest
	return values, err
}

func skipTuple(b []byte, numCols int) ([]any, []byte, error) {
	return parseTuple(b, numCols)
}

// parseTuple reads numCols column values from a pgoutput tuple section,
// returning the decoded values and the remaining bytes.
func parseTuple(b []byte, numCols int) ([]any, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("tuple header truncated")
	}
	n := binary.BigEndian.Uint16(b)
	b = b[2:]
	if int(n) != numCols {
		return nil, nil, fmt.Errorf("tuple column count %d does not match relation (%d)", n, numCols)
	}
	values := make([]any, numCols)
	for i := 0; i < numCols; i++ {
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("tuple value truncated")
		}
		kind := b[0]
		b = b[1:]
		switch kind {
		case 'n':
			values[i] = nil
		case 'u':
			values[i] = nil // TOAST, unchanged: not fetched by this connector
		case 't':
			if len(b) < 4 {
				return nil, nil, fmt.Errorf("tuple value length truncated")
			}
			length := binary.BigEndian.Uint32(b)
			b = b[4:]
			if uint32(len(b)) < length {
				return nil, nil, fmt.Errorf("tuple value data truncated")
			}
			values[i] = string(b[:length])
			b = b[length:]
		default:
			return nil, nil, fmt.Errorf("unknown tuple value kind %q", kind)
		}
	}
	return values, b, nil
}
