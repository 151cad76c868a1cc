package serialization

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/muaviaUsmani/pantry/internal/run"
)

// Field names shared by the JSON and protobuf encodings of a log entry
const (
	fieldTimestamp = "timestamp"
	fieldStep      = "step"
	fieldTotal     = "total"
	fieldMessage   = "message"
)

// LogEntryToProto converts a run log entry into a structpb.Struct
func LogEntryToProto(e run.LogEntry) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		fieldTimestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldMessage:   e.Message,
	}
	if e.Step != nil {
		fields[fieldStep] = *e.Step
	}
	if e.Total != nil {
		fields[fieldTotal] = *e.Total
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarshalFailed, err)
	}
	return st, nil
}

// LogEntryFromProto converts a structpb.Struct back into a run log entry
func LogEntryFromProto(st *structpb.Struct) (run.LogEntry, error) {
	var e run.LogEntry
	fields := st.GetFields()

	ts, ok := fields[fieldTimestamp]
	if !ok {
		return e, fmt.Errorf("%w: log entry has no timestamp", ErrUnmarshalFailed)
	}
	t, err := time.Parse(time.RFC3339Nano, ts.GetStringValue())
	if err != nil {
		return e, fmt.Errorf("%w: bad timestamp: %v", ErrUnmarshalFailed, err)
	}
	e.Timestamp = t
	e.Message = fields[fieldMessage].GetStringValue()

	if v, ok := fields[fieldStep]; ok {
		step := int(v.GetNumberValue())
		e.Step = &step
	}
	if v, ok := fields[fieldTotal]; ok {
		total := int(v.GetNumberValue())
		e.Total = &total
	}

	return e, nil
}

// EncodeLogEntry serializes e in the serializer's default format
func (s *Serializer) EncodeLogEntry(e run.LogEntry) ([]byte, error) {
	if s.DefaultFormat == FormatProtobuf {
		st, err := LogEntryToProto(e)
		if err != nil {
			return nil, err
		}
		return s.MarshalWithFormat(st, FormatProtobuf)
	}
	return s.MarshalWithFormat(e, FormatJSON)
}

// DecodeLogEntry reads a log entry written in any supported format
func (s *Serializer) DecodeLogEntry(data []byte) (run.LogEntry, error) {
	format, body, err := s.DetectFormat(data)
	if err != nil {
		return run.LogEntry{}, err
	}

	if format == FormatProtobuf {
		var st structpb.Struct
		if err := s.UnmarshalWithFormat(body, &st, FormatProtobuf); err != nil {
			return run.LogEntry{}, err
		}
		return LogEntryFromProto(&st)
	}

	var e run.LogEntry
	if err := s.UnmarshalWithFormat(body, &e, FormatJSON); err != nil {
		return run.LogEntry{}, err
	}
	return e, nil
}
