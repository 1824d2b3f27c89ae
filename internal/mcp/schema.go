package mcp

import "fmt"

// ValidateArguments checks arguments against a JSON schema object before
// dispatch. Only the object level is enforced: required fields must be
// present and declared property types must match. A nil or non-object
// schema accepts anything.
func ValidateArguments(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if t, ok := schema["type"].(string); ok && t != "object" {
		return nil
	}

	if required, ok := schema["required"].([]interface{}); ok {
		for _, field := range required {
			name, ok := field.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument: %s", name)
			}
		}
	}

	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for name, value := range args {
		propAny, declared := properties[name]
		if !declared {
			continue
		}
		prop, ok := propAny.(map[string]interface{})
		if !ok {
			continue
		}
		want, ok := prop["type"].(string)
		if !ok {
			continue
		}
		if err := checkType(name, want, value); err != nil {
			return err
		}
	}
	return nil
}

// checkType matches a decoded JSON value against a schema type name
func checkType(name, want string, value interface{}) error {
	if value == nil {
		return nil
	}
	ok := false
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = value.(float64)
		if !ok {
			_, ok = value.(int)
		}
	case "integer":
		switch v := value.(type) {
		case int:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]interface{})
	case "object":
		_, ok = value.(map[string]interface{})
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("argument %s must be of type %s", name, want)
	}
	return nil
}
