package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeRecord serializes a record for storage. Struct fields are keyed by their
// json tag so the at-rest layout follows the wire names.
func EncodeRecord(v any) ([]byte, error) {
	buffer := bytes.NewBuffer(make([]byte, 0, 256))
	encoder := msgpack.NewEncoder(buffer)
	encoder.SetCustomStructTag("json")
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return buffer.Bytes(), nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte, v any) error {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	decoder.SetCustomStructTag("json")
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

// GetRecord reads and decodes the record under key.
func GetRecord[T any](tx interfaces.RecordTx, key string) (*T, error) {
	raw, err := tx.Get(key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := DecodeRecord(raw, &v); err != nil {
		return nil, fmt.Errorf("record %s: %w", key, err)
	}
	return &v, nil
}

// GetRecordOrNil is GetRecord that maps ErrRecordNotFound to a nil record.
func GetRecordOrNil[T any](tx interfaces.RecordTx, key string) (*T, error) {
	v, err := GetRecord[T](tx, key)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, nil
	}
	return v, err
}

// PutRecord encodes v and replaces the record under key.
func PutRecord(tx interfaces.RecordTx, key string, v any) error {
	raw, err := EncodeRecord(v)
	if err != nil {
		return err
	}
	return tx.Put(key, raw)
}

// ListRecords decodes every record whose key has prefix, in key order.
func ListRecords[T any](tx interfaces.RecordTx, prefix string) ([]T, error) {
	keys, err := tx.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		v, err := GetRecord[T](tx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
