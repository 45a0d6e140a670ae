package checkpoints

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the parts that carry weights are
// written or read: a ModelProto whose graph lists every tensor as an
// initializer.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9
	tensorDocString protowire.Number = 12

	opsetVersion protowire.Number = 2

	onnxFloat = 1

	// Initializers flagged as buffers carry this doc string.
	bufferDoc = "buffer"
)

func writeONNX(checkpoint *Checkpoint, path string) error {
	data, err := encodeONNX(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

func readONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return decodeONNX(data)
}

func encodeONNX(checkpoint *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "go-histocv")
	for _, w := range checkpoint.Weights {
		if err := w.validate(); err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(w))
	}

	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 13)

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, "go-histocv")
	model = protowire.AppendTag(model, modelProducerVersion, protowire.BytesType)
	model = protowire.AppendString(model, "1.0.0")
	model = protowire.AppendTag(model, modelVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)
	if checkpoint.Metadata.Description != "" {
		model = protowire.AppendTag(model, modelDocString, protowire.BytesType)
		model = protowire.AppendString(model, checkpoint.Metadata.Description)
	}
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opset)
	return model, nil
}

func encodeTensor(w WeightTensor) []byte {
	var b []byte
	for _, d := range w.Shape {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)

	packed := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	if w.Buffer {
		b = protowire.AppendTag(b, tensorDocString, protowire.BytesType)
		b = protowire.AppendString(b, bufferDoc)
	}
	return b
}

// decodeONNX reads the initializers of a serialized ModelProto. Nodes and
// every other field are skipped.
func decodeONNX(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			checkpoint.Metadata.Framework = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			checkpoint.Metadata.Version = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			checkpoint.Metadata.Description = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != graphInitializer || typ != protowire.BytesType {
					return nil
				}
				w, err := decodeTensor(v)
				if err != nil {
					return err
				}
				checkpoint.Weights = append(checkpoint.Weights, w)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}
	return checkpoint, nil
}

func decodeTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(onnxFloat)
	var raw []byte

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(x))
				return nil
			}
			// packed form
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case tensorDataType:
			dataType = x
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				w.Data = append(w.Data, math.Float32frombits(uint32(x)))
				return nil
			}
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[n:]
			}
		case tensorName:
			w.Name = string(v)
		case tensorRawData:
			raw = v
		case tensorDocString:
			w.Buffer = string(v) == bufferDoc
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if dataType != onnxFloat {
		return w, errors.Errorf("tensor %s has unsupported data type %d", w.Name, dataType)
	}
	if len(w.Data) == 0 && len(raw) > 0 {
		if len(raw)%4 != 0 {
			return w, errors.Errorf("tensor %s raw data is not a whole number of floats", w.Name)
		}
		w.Data = make([]float32, len(raw)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	if len(w.Shape) == 0 && len(w.Data) == 1 {
		w.Shape = []int{1}
	}
	return w, w.validate()
}

// walk calls fn for every top-level field of a message. Length-delimited
// values arrive in v, scalar values in x.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(data)
			x = uint64(x32)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
