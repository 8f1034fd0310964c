package types

import "log/slog"

const redacted = "***REDACTED***"

// SecretString is a string that refuses to print itself. It implements
// fmt.Stringer, json.Marshaler and slog.LogValuer to emit a redacted
// placeholder, so secrets loaded into configuration cannot leak through
// formatted output, JSON dumps or structured log entries.
//
// Call Unmask where the plaintext is genuinely needed, e.g. when building
// an assume-role request or an Authorization header.
type SecretString string

func (s SecretString) String() string {
	return redacted
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
