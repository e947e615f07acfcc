package gateway

// ApplyTransforms runs each transform over body in order (§4.10). Only
// top-level JSON-object responses are mutated; any other value (array,
// string, number, nil) passes through every transform unchanged.
func ApplyTransforms(transforms []Transform, body any) any {
	for _, t := range transforms {
		switch t.Type {
		case RemoveFields:
			if obj, ok := body.(map[string]any); ok {
				for _, field := range t.Fields {
					delete(obj, field)
				}
			}
		case AddFields:
			if obj, ok := body.(map[string]any); ok {
				for k, v := range t.Data {
					obj[k] = v
				}
			}
		case Custom:
			if t.Fn != nil {
				body = t.Fn(body)
			}
		}
	}
	return body
}
