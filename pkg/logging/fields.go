package logging

import "time"

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Uint64 creates a uint64 field
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field rendered as a string
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error creates an error field
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component names the subsystem emitting the log line
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}

// Generation identifies a segment generation
func Generation(gen uint64) Field {
	return Field{Key: "generation", Value: gen}
}

// Records counts hash index records
func Records(n int) Field {
	return Field{Key: "records", Value: n}
}

// Path is a filesystem path field
func Path(p string) Field {
	return Field{Key: "path", Value: p}
}

// Latency records the duration of an operation
func Latency(d time.Duration) Field {
	return Field{Key: "latency", Value: d.String()}
}
