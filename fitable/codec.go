package fitable

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// normalize round-trips through JSON so values only hold the types structpb
// accepts.
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRequest(target string, req Request) (*structpb.Struct, error) {
	data, err := normalize(req.BusinessData)
	if err != nil {
		return nil, err
	}
	props, err := normalize(req.Properties)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"target":       target,
		"contextId":    req.ContextId,
		"nodeId":       req.NodeId,
		"businessData": data,
		"properties":   props,
	})
}

func decodeRequest(in *structpb.Struct) (string, Request, error) {
	m := in.AsMap()
	target, ok := m["target"].(string)
	if !ok || target == "" {
		return "", Request{}, fmt.Errorf("invoke request without target")
	}
	req := Request{}
	req.ContextId, _ = m["contextId"].(string)
	req.NodeId, _ = m["nodeId"].(string)
	req.BusinessData, _ = m["businessData"].(map[string]any)
	req.Properties, _ = m["properties"].(map[string]any)
	return target, req, nil
}

func encodeResponse(output map[string]any) (*structpb.Struct, error) {
	out, err := normalize(output)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"output": out})
}

func decodeResponse(out *structpb.Struct) map[string]any {
	res, _ := out.AsMap()["output"].(map[string]any)
	return res
}
