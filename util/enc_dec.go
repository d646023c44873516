package util

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

var ErrEmptyPayload = errors.New("empty payload")

// EncoderDecoder converts the values a repository stores to bytes and back.
type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

// JsonEncDec stores values as JSON. Its errors name the value type so a
// corrupt record can be traced to the repository that wrote it.
type JsonEncDec[T any] struct {
	typeName string
}

var _ EncoderDecoder[any] = NewJsonEncoderDecoder[any]()

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{typeName: reflect.TypeOf((*T)(nil)).Elem().String()}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	res, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", encdec.typeName)
	}
	return res, nil
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Wrapf(ErrEmptyPayload, "decode %s", encdec.typeName)
	}
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrapf(err, "decode %s", encdec.typeName)
	}
	return &res, nil
}
