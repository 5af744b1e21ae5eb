package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// CheckOptions carries the optional flags of a CheckErrorPatterns request.
type CheckOptions struct {
	SendAlerts   *bool
	ExecuteFixes *bool
}

// Resolve fills unset flags from defaults.
func (o CheckOptions) Resolve(sendAlerts, executeFixes bool) (bool, bool) {
	if o.SendAlerts != nil {
		sendAlerts = *o.SendAlerts
	}
	if o.ExecuteFixes != nil {
		executeFixes = *o.ExecuteFixes
	}
	return sendAlerts, executeFixes
}

// FromProtoCheckRequest reads send_alerts and execute_fixes from the request.
func FromProtoCheckRequest(req *structpb.Struct) (CheckOptions, error) {
	var opts CheckOptions
	if req == nil {
		return opts, nil
	}
	var err error
	if opts.SendAlerts, err = optionalBool(req, "send_alerts"); err != nil {
		return CheckOptions{}, err
	}
	if opts.ExecuteFixes, err = optionalBool(req, "execute_fixes"); err != nil {
		return CheckOptions{}, err
	}
	return opts, nil
}

func optionalBool(s *structpb.Struct, key string) (*bool, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		b := kind.BoolValue
		return &b, nil
	case *structpb.Value_NullValue:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s must be a boolean", key)
	}
}

// ToProtoStruct converts any JSON-encodable value into a Struct.
func ToProtoStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("response is not an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// FromProtoStruct decodes a Struct into out.
func FromProtoStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ToProtoCheckReport converts a cycle report.
func ToProtoCheckReport(report models.CheckReport) (*structpb.Struct, error) {
	return ToProtoStruct(report)
}

// ToProtoHealthSnapshot converts a health snapshot.
func ToProtoHealthSnapshot(snap models.HealthSnapshot) (*structpb.Struct, error) {
	return ToProtoStruct(snap)
}

// FrequenciesResponse wraps the frequency list so it encodes as an object.
type FrequenciesResponse struct {
	Patterns []models.FrequencySnapshot `json:"patterns"`
}

// ToProtoFrequencies converts the frequency view.
func ToProtoFrequencies(snaps []models.FrequencySnapshot) (*structpb.Struct, error) {
	if snaps == nil {
		snaps = []models.FrequencySnapshot{}
	}
	return ToProtoStruct(FrequenciesResponse{Patterns: snaps})
}
