package checkpoints

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Wire layout of the binary checkpoint. Messages are written with protowire
// so the file can be inspected with `protoc --decode_raw`.
//
//	Checkpoint      1 weights  2 training_state  3 optimizer  4 scheduler  5 precision  6 metadata
//	WeightTensor    1 name  2 shape (packed)  3 data (packed fixed32)  4 layer  5 type
//	TrainingState   1 epoch  2 step  3 learning_rate  4 best_accuracy  5 epoch_loss  6 epoch_accuracy
//	OptimizerState  1 type  2 parameters (Struct)  3 state_data
//	OptimizerTensor 1 name  2 shape  3 data  4 state_type
//	SchedulerState  1 type  2 last_epoch  3 base_lr  4 parameters (Struct)
//	PrecisionState  1 loss_scale  2 unskipped_steps  3 skipped_steps
//	Metadata        1 version  2 framework  3 created_at (Timestamp)  4 run_id  5 model_no  6 description  7 tags
//
// Integers are zigzag encoded.

func marshalProto(cp *Checkpoint) ([]byte, error) {
	var b []byte
	for i := range cp.Weights {
		b = appendMessage(b, 1, appendWeight(nil, &cp.Weights[i]))
	}
	b = appendMessage(b, 2, appendTrainingState(nil, &cp.TrainingState))
	if cp.OptimizerState != nil {
		msg, err := appendOptimizerState(nil, cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 3, msg)
	}
	if cp.SchedulerState != nil {
		msg, err := appendSchedulerState(nil, cp.SchedulerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 4, msg)
	}
	if cp.PrecisionState != nil {
		b = appendMessage(b, 5, appendPrecisionState(nil, cp.PrecisionState))
	}
	msg, err := appendMetadata(nil, &cp.Metadata)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, 6, msg), nil
}

func unmarshalProto(b []byte, cp *Checkpoint) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 6 {
			return skipField(num, typ, b)
		}
		msg, n, err := consumeBytesField(typ, b)
		if err != nil {
			return 0, errors.Wrapf(err, "checkpoint field %d", num)
		}
		switch num {
		case 1:
			var w WeightTensor
			if err := decodeWeight(msg, &w); err != nil {
				return 0, err
			}
			cp.Weights = append(cp.Weights, w)
		case 2:
			err = decodeTrainingState(msg, &cp.TrainingState)
		case 3:
			cp.OptimizerState = &OptimizerState{}
			err = decodeOptimizerState(msg, cp.OptimizerState)
		case 4:
			cp.SchedulerState = &SchedulerState{}
			err = decodeSchedulerState(msg, cp.SchedulerState)
		case 5:
			cp.PrecisionState = &PrecisionState{}
			err = decodePrecisionState(msg, cp.PrecisionState)
		case 6:
			err = decodeMetadata(msg, &cp.Metadata)
		}
		return n, err
	})
}

// Encoding helpers

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	return appendMessage(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendStruct(b []byte, num protowire.Number, params map[string]interface{}) ([]byte, error) {
	if len(params) == 0 {
		return b, nil
	}
	s, err := structpb.NewStruct(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode parameters")
	}
	msg, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal parameters")
	}
	return appendMessage(b, num, msg), nil
}

func appendWeight(b []byte, w *WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func appendTrainingState(b []byte, ts *TrainingState) []byte {
	b = appendInt(b, 1, int64(ts.Epoch))
	b = appendInt(b, 2, int64(ts.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(ts.LearningRate))
	if ts.BestAccuracy != nil {
		b = appendDouble(b, 4, *ts.BestAccuracy)
	}
	b = appendDouble(b, 5, ts.EpochLoss)
	return appendDouble(b, 6, ts.EpochAccuracy)
}

func appendOptimizerState(b []byte, os *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, os.Type)
	b, err := appendStruct(b, 2, os.Parameters)
	if err != nil {
		return nil, err
	}
	for _, t := range os.StateData {
		var msg []byte
		msg = appendString(msg, 1, t.Name)
		msg = appendShape(msg, 2, t.Shape)
		msg = appendFloats(msg, 3, t.Data)
		msg = appendString(msg, 4, t.StateType)
		b = appendMessage(b, 3, msg)
	}
	return b, nil
}

func appendSchedulerState(b []byte, ss *SchedulerState) ([]byte, error) {
	b = appendString(b, 1, ss.Type)
	b = appendInt(b, 2, int64(ss.LastEpoch))
	b = appendDouble(b, 3, ss.BaseLR)
	return appendStruct(b, 4, ss.Parameters)
}

func appendPrecisionState(b []byte, ps *PrecisionState) []byte {
	b = appendDouble(b, 1, ps.LossScale)
	b = appendInt(b, 2, int64(ps.UnskippedSteps))
	return appendInt(b, 3, int64(ps.SkippedSteps))
}

func appendMetadata(b []byte, md *CheckpointMetadata) ([]byte, error) {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	ts, err := proto.Marshal(timestamppb.New(md.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal created_at")
	}
	b = appendMessage(b, 3, ts)
	b = appendString(b, 4, md.RunID)
	b = appendInt(b, 5, int64(md.ModelNo))
	b = appendString(b, 6, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

// Decoding helpers

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func wrongType(want, got protowire.Type) error {
	return errors.Errorf("wire type %d, expected %d", got, want)
}

func consumeBytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeStringField(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytesField(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeIntField(typ protowire.Type, b []byte, dst *int) (int, error) {
	if typ != protowire.VarintType {
		return 0, wrongType(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = int(protowire.DecodeZigZag(v))
	return n, nil
}

func consumeDoubleField(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, wrongType(protowire.Fixed64Type, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeShapeField(typ protowire.Type, b []byte, dst *[]int) (int, error) {
	packed, n, err := consumeBytesField(typ, b)
	if err != nil {
		return 0, err
	}
	shape := make([]int, 0, 4)
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		shape = append(shape, int(protowire.DecodeZigZag(v)))
		packed = packed[m:]
	}
	*dst = shape
	return n, nil
}

func consumeFloatsField(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	packed, n, err := consumeBytesField(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, errors.Errorf("packed float data has %d bytes", len(packed))
	}
	data := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		data = append(data, math.Float32frombits(v))
		packed = packed[m:]
	}
	*dst = data
	return n, nil
}

func consumeStructField(typ protowire.Type, b []byte, dst *map[string]interface{}) (int, error) {
	msg, n, err := consumeBytesField(typ, b)
	if err != nil {
		return 0, err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(msg, &s); err != nil {
		return 0, errors.Wrap(err, "failed to decode parameters")
	}
	*dst = s.AsMap()
	return n, nil
}

func decodeWeight(b []byte, w *WeightTensor) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeStringField(typ, b, &w.Name)
		case 2:
			return consumeShapeField(typ, b, &w.Shape)
		case 3:
			return consumeFloatsField(typ, b, &w.Data)
		case 4:
			return consumeStringField(typ, b, &w.Layer)
		case 5:
			return consumeStringField(typ, b, &w.Type)
		}
		return skipField(num, typ, b)
	})
}

func decodeTrainingState(b []byte, ts *TrainingState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeIntField(typ, b, &ts.Epoch)
		case 2:
			return consumeIntField(typ, b, &ts.Step)
		case 3:
			if typ != protowire.Fixed32Type {
				return 0, wrongType(protowire.Fixed32Type, typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			ts.LearningRate = math.Float32frombits(v)
			return n, nil
		case 4:
			var best float64
			n, err := consumeDoubleField(typ, b, &best)
			ts.BestAccuracy = &best
			return n, err
		case 5:
			return consumeDoubleField(typ, b, &ts.EpochLoss)
		case 6:
			return consumeDoubleField(typ, b, &ts.EpochAccuracy)
		}
		return skipField(num, typ, b)
	})
}

func decodeOptimizerState(b []byte, os *OptimizerState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeStringField(typ, b, &os.Type)
		case 2:
			return consumeStructField(typ, b, &os.Parameters)
		case 3:
			msg, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			var t OptimizerTensor
			err = consumeMessage(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeStringField(typ, b, &t.Name)
				case 2:
					return consumeShapeField(typ, b, &t.Shape)
				case 3:
					return consumeFloatsField(typ, b, &t.Data)
				case 4:
					return consumeStringField(typ, b, &t.StateType)
				}
				return skipField(num, typ, b)
			})
			if err != nil {
				return 0, errors.Wrap(err, "optimizer state tensor")
			}
			os.StateData = append(os.StateData, t)
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeSchedulerState(b []byte, ss *SchedulerState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeStringField(typ, b, &ss.Type)
		case 2:
			return consumeIntField(typ, b, &ss.LastEpoch)
		case 3:
			return consumeDoubleField(typ, b, &ss.BaseLR)
		case 4:
			return consumeStructField(typ, b, &ss.Parameters)
		}
		return skipField(num, typ, b)
	})
}

func decodePrecisionState(b []byte, ps *PrecisionState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDoubleField(typ, b, &ps.LossScale)
		case 2:
			return consumeIntField(typ, b, &ps.UnskippedSteps)
		case 3:
			return consumeIntField(typ, b, &ps.SkippedSteps)
		}
		return skipField(num, typ, b)
	})
}

func decodeMetadata(b []byte, md *CheckpointMetadata) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeStringField(typ, b, &md.Version)
		case 2:
			return consumeStringField(typ, b, &md.Framework)
		case 3:
			msg, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(msg, &ts); err != nil {
				return 0, errors.Wrap(err, "failed to decode created_at")
			}
			md.CreatedAt = ts.AsTime()
			return n, nil
		case 4:
			return consumeStringField(typ, b, &md.RunID)
		case 5:
			return consumeIntField(typ, b, &md.ModelNo)
		case 6:
			return consumeStringField(typ, b, &md.Description)
		case 7:
			var tag string
			n, err := consumeStringField(typ, b, &tag)
			md.Tags = append(md.Tags, tag)
			return n, err
		}
		return skipField(num, typ, b)
	})
}
