package fleetv1

// Protobuf wire encoding for the messages in messages.go, field for field as
// declared in fleet.proto. Struct-typed fields (config, metrics) travel as
// google.protobuf.Struct.

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// wireMessage is implemented by every Coordinator request and response.
// readWire expects a zero-valued receiver.
type wireMessage interface {
	appendWire(b []byte) ([]byte, error)
	readWire(b []byte) error
}

// ============================================================================
// encoding helpers; zero values are omitted as in proto3
// ============================================================================

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// appendOptionalBool writes v whenever it is set, false included.
func appendOptionalBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(*v))
}

func appendEmbedded(b []byte, num protowire.Number, m wireMessage) ([]byte, error) {
	inner, err := m.appendWire(nil)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner), nil
}

func appendStruct(b []byte, num protowire.Number, m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return b, nil
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", num, err)
	}
	inner, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", num, err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner), nil
}

// appendStringMap writes a map<string, string> with keys in sorted order.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// ============================================================================
// decoding helpers
// ============================================================================

// fieldReader reads the value of one field. A field nobody reads is skipped.
type fieldReader struct {
	typ protowire.Type
	b   []byte
	n   int
	err error
}

func (r *fieldReader) want(t protowire.Type) bool {
	if r.typ != t {
		r.err = fmt.Errorf("wire type %d, want %d", r.typ, t)
		return false
	}
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.want(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.n = n
	return v
}

func (r *fieldReader) bytes() []byte {
	if !r.want(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.n = n
	return v
}

func (r *fieldReader) string() string { return string(r.bytes()) }
func (r *fieldReader) int32() int32   { return int32(r.varint()) }
func (r *fieldReader) int64() int64   { return int64(r.varint()) }
func (r *fieldReader) bool() bool     { return protowire.DecodeBool(r.varint()) }

func (r *fieldReader) embedded(m wireMessage) {
	raw := r.bytes()
	if r.err != nil {
		return
	}
	r.err = m.readWire(raw)
}

func (r *fieldReader) structMap() map[string]interface{} {
	raw := r.bytes()
	if r.err != nil {
		return nil
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		r.err = err
		return nil
	}
	return st.AsMap()
}

// mapEntry reads one map<string, string> entry into dst.
func (r *fieldReader) mapEntry(dst map[string]string) {
	raw := r.bytes()
	if r.err != nil {
		return
	}
	var k, v string
	r.err = decodeFields(raw, func(num protowire.Number, f *fieldReader) {
		switch num {
		case 1:
			k = f.string()
		case 2:
			v = f.string()
		}
	})
	if r.err == nil {
		dst[k] = v
	}
}

var errTruncated = errors.New("truncated message")

// decodeFields calls field once per field in b, in wire order.
func decodeFields(b []byte, field func(num protowire.Number, r *fieldReader)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		r := fieldReader{typ: typ, b: b}
		field(num, &r)
		if r.err != nil {
			return fmt.Errorf("field %d: %w", num, r.err)
		}
		if r.n == 0 {
			r.n = protowire.ConsumeFieldValue(num, typ, b)
			if r.n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(r.n))
			}
		}
		if r.n > len(b) {
			return errTruncated
		}
		b = b[r.n:]
	}
	return nil
}

// ============================================================================
// messages
// ============================================================================

func (m *JobSpec) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.Id)
	b = appendString(b, 2, m.Description)
	return appendStruct(b, 3, m.Config)
}

func (m *JobSpec) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.Id = r.string()
		case 2:
			m.Description = r.string()
		case 3:
			m.Config = r.structMap()
		}
	})
}

func (m *Worker) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.Address)
	b = appendString(b, 2, m.Hostname)
	b = appendStringMap(b, 3, m.Capabilities)
	b = appendString(b, 4, m.Status)
	b = appendString(b, 5, m.ReportedStatus)
	b = appendString(b, 6, m.CurrentJob)
	b = appendInt(b, 7, m.LastHeartbeatMs)
	b = appendInt(b, 8, m.RegisteredAtMs)
	return b, nil
}

func (m *Worker) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.Address = r.string()
		case 2:
			m.Hostname = r.string()
		case 3:
			if m.Capabilities == nil {
				m.Capabilities = make(map[string]string)
			}
			r.mapEntry(m.Capabilities)
		case 4:
			m.Status = r.string()
		case 5:
			m.ReportedStatus = r.string()
		case 6:
			m.CurrentJob = r.string()
		case 7:
			m.LastHeartbeatMs = r.int64()
		case 8:
			m.RegisteredAtMs = r.int64()
		}
	})
}

func (m *Result) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.JobId)
	b = appendInt(b, 2, int64(m.Attempt))
	b = appendString(b, 3, m.WorkerId)
	b = appendString(b, 4, m.Hostname)
	b = appendBool(b, 5, m.Success)
	b, err := appendStruct(b, 6, m.Metrics)
	if err != nil {
		return nil, err
	}
	b = appendString(b, 7, m.ArtifactRef)
	b = appendString(b, 8, m.Error)
	b = appendInt(b, 9, m.CompletedAtMs)
	b = appendInt(b, 10, m.DurationMs)
	return b, nil
}

func (m *Result) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.JobId = r.string()
		case 2:
			m.Attempt = r.int32()
		case 3:
			m.WorkerId = r.string()
		case 4:
			m.Hostname = r.string()
		case 5:
			m.Success = r.bool()
		case 6:
			m.Metrics = r.structMap()
		case 7:
			m.ArtifactRef = r.string()
		case 8:
			m.Error = r.string()
		case 9:
			m.CompletedAtMs = r.int64()
		case 10:
			m.DurationMs = r.int64()
		}
	})
}

func (m *RegisterRequest) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.Address)
	b = appendString(b, 2, m.Hostname)
	return appendStringMap(b, 3, m.Capabilities), nil
}

func (m *RegisterRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.Address = r.string()
		case 2:
			m.Hostname = r.string()
		case 3:
			if m.Capabilities == nil {
				m.Capabilities = make(map[string]string)
			}
			r.mapEntry(m.Capabilities)
		}
	})
}

func (m *RegisterResponse) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.WorkerId)
	return appendInt(b, 2, m.HeartbeatIntervalMs), nil
}

func (m *RegisterResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.WorkerId = r.string()
		case 2:
			m.HeartbeatIntervalMs = r.int64()
		}
	})
}

func (m *HeartbeatRequest) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.WorkerId)
	return appendString(b, 2, m.Status), nil
}

func (m *HeartbeatRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.WorkerId = r.string()
		case 2:
			m.Status = r.string()
		}
	})
}

func (m *HeartbeatResponse) appendWire(b []byte) ([]byte, error) {
	return appendBool(b, 1, m.Acknowledged), nil
}

func (m *HeartbeatResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			m.Acknowledged = r.bool()
		}
	})
}

func (m *RequestJobRequest) appendWire(b []byte) ([]byte, error) {
	return appendString(b, 1, m.WorkerId), nil
}

func (m *RequestJobRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			m.WorkerId = r.string()
		}
	})
}

func (m *RequestJobResponse) appendWire(b []byte) ([]byte, error) {
	if m.Job != nil {
		var err error
		if b, err = appendEmbedded(b, 1, m.Job); err != nil {
			return nil, err
		}
	}
	return appendInt(b, 2, int64(m.Attempt)), nil
}

func (m *RequestJobResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.Job = new(JobSpec)
			r.embedded(m.Job)
		case 2:
			m.Attempt = r.int32()
		}
	})
}

func (m *ReportResultRequest) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.WorkerId)
	b = appendString(b, 2, m.JobId)
	b = appendBool(b, 3, m.Success)
	b, err := appendStruct(b, 4, m.Metrics)
	if err != nil {
		return nil, err
	}
	b = appendString(b, 5, m.ArtifactRef)
	return appendString(b, 6, m.Error), nil
}

func (m *ReportResultRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.WorkerId = r.string()
		case 2:
			m.JobId = r.string()
		case 3:
			m.Success = r.bool()
		case 4:
			m.Metrics = r.structMap()
		case 5:
			m.ArtifactRef = r.string()
		case 6:
			m.Error = r.string()
		}
	})
}

func (m *ReportResultResponse) appendWire(b []byte) ([]byte, error) {
	return appendBool(b, 1, m.Recorded), nil
}

func (m *ReportResultResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			m.Recorded = r.bool()
		}
	})
}

func (m *StatusRequest) appendWire(b []byte) ([]byte, error) { return b, nil }

func (m *StatusRequest) readWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, *fieldReader) {})
}

func (m *StatusResponse) appendWire(b []byte) ([]byte, error) {
	for _, w := range m.Workers {
		if w == nil {
			continue
		}
		var err error
		if b, err = appendEmbedded(b, 1, w); err != nil {
			return nil, err
		}
	}
	b = appendInt(b, 2, int64(m.Pending))
	b = appendInt(b, 3, int64(m.InFlight))
	b = appendInt(b, 4, int64(m.Completed))
	b = appendInt(b, 5, int64(m.Failed))
	for _, id := range m.FailedJobs {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	b = appendInt(b, 7, int64(m.Results))
	return appendInt(b, 8, m.UptimeMs), nil
}

func (m *StatusResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			w := new(Worker)
			r.embedded(w)
			m.Workers = append(m.Workers, w)
		case 2:
			m.Pending = r.int32()
		case 3:
			m.InFlight = r.int32()
		case 4:
			m.Completed = r.int32()
		case 5:
			m.Failed = r.int32()
		case 6:
			m.FailedJobs = append(m.FailedJobs, r.string())
		case 7:
			m.Results = r.int32()
		case 8:
			m.UptimeMs = r.int64()
		}
	})
}

func (m *EnqueueJobRequest) appendWire(b []byte) ([]byte, error) {
	if m.Job == nil {
		return b, nil
	}
	return appendEmbedded(b, 1, m.Job)
}

func (m *EnqueueJobRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			m.Job = new(JobSpec)
			r.embedded(m.Job)
		}
	})
}

func (m *EnqueueJobResponse) appendWire(b []byte) ([]byte, error) {
	return appendString(b, 1, m.JobId), nil
}

func (m *EnqueueJobResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			m.JobId = r.string()
		}
	})
}

func (m *ListResultsRequest) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.JobId)
	return appendOptionalBool(b, 2, m.Success), nil
}

func (m *ListResultsRequest) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			m.JobId = r.string()
		case 2:
			v := r.bool()
			m.Success = &v
		}
	})
}

func (m *ListResultsResponse) appendWire(b []byte) ([]byte, error) {
	for _, rec := range m.Records {
		if rec == nil {
			continue
		}
		var err error
		if b, err = appendEmbedded(b, 1, rec); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (m *ListResultsResponse) readWire(b []byte) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		if num == 1 {
			rec := new(Result)
			r.embedded(rec)
			m.Records = append(m.Records, rec)
		}
	})
}
