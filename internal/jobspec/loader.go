// Package jobspec is the boundary where a JobSpec is decoded, defaulted and validated.
// Nothing past this package ever sees an invalid spec.
package jobspec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wonny/backtester/internal/contracts"
)

// Format is the wire format of a JobSpec document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension (.yaml/.yml, otherwise JSON)
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads a JobSpec file and returns the validated spec with the raw bytes
// SSOT 핵심: 알 수 없는 필드는 즉시 실패 (YAML KnownFields, JSON DisallowUnknownFields)
func Load(path string) (*contracts.JobSpec, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	spec, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, data, err
	}
	return spec, data, nil
}

// Parse decodes, defaults and validates one document
func Parse(data []byte, format Format) (*contracts.JobSpec, error) {
	return Decode(bytes.NewReader(data), format)
}

// Decode reads one document from r, applies defaults and validates it.
// Every failure is a *contracts.ConfigValidationError.
func Decode(r io.Reader, format Format) (*contracts.JobSpec, error) {
	var spec contracts.JobSpec

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, decodeError(err)
		}
	default:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, decodeError(err)
		}
		if dec.More() {
			return nil, decodeError(fmt.Errorf("unexpected data after the document"))
		}
	}

	if err := Prepare(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Prepare applies defaults to spec and validates it in place
func Prepare(spec *contracts.JobSpec) error {
	if err := applyDefaults(spec); err != nil {
		verr := &contracts.ConfigValidationError{}
		verr.Add("", "defaults", err.Error())
		return verr
	}
	return Validate(spec)
}

// Hash generates the SHA256 of the canonical JSON of spec
// 주의: encoding/json은 map 키를 정렬하므로 params map도 재현 가능
func Hash(spec *contracts.JobSpec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func decodeError(err error) error {
	verr := &contracts.ConfigValidationError{}
	verr.Add("", "decode", err.Error())
	return verr
}
