package jobspec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/features"
	"github.com/wonny/backtester/internal/model"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// 에러 경로는 wire 이름 (json 태그) 사용
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// applyDefaults fills default tags; empty feature lists become [self]
func applyDefaults(spec *contracts.JobSpec) error {
	if err := defaults.Set(spec); err != nil {
		return err
	}

	fill := func(fields []contracts.DataField) error {
		for i := range fields {
			if len(fields[i].Features) == 0 {
				fields[i].Features = []contracts.FeatureDef{{Func: "self"}}
			}
			for j := range fields[i].Features {
				if err := defaults.Set(&fields[i].Features[j]); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if spec.Data.Macro != nil {
		if err := fill(spec.Data.Macro.Fields); err != nil {
			return err
		}
	}
	if spec.Data.Equities != nil {
		for _, fields := range spec.Data.Equities.SymbolFields {
			if err := fill(fields); err != nil {
				return err
			}
		}
	}
	for _, group := range spec.Data.Custom {
		if err := fill(group.Fields); err != nil {
			return err
		}
	}
	return nil
}

// Validate runs the struct rules and the semantic rules, collecting every problem
func Validate(spec *contracts.JobSpec) error {
	verr := &contracts.ConfigValidationError{}

	if err := validate.Struct(spec); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			verr.Add("", "invalid", err.Error())
			return verr
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldPath(fe), "ERR_"+strings.ToUpper(fe.Tag()), errorMessage(fe))
		}
	}

	// === Timeframe ===
	tf := spec.Timeframe
	switch {
	case tf.Start.IsZero():
		verr.Add("timeframe.start", "ERR_REQUIRED", "timeframe.start is required")
	case tf.End.IsZero():
		verr.Add("timeframe.end", "ERR_REQUIRED", "timeframe.end is required")
	case tf.End.Before(tf.Start.Time):
		verr.Add("timeframe", "ERR_ORDER", "timeframe.end must not be before timeframe.start")
	}

	// === Data ===
	if spec.Data.Equities != nil {
		for symbol, fields := range spec.Data.Equities.SymbolFields {
			if strings.TrimSpace(symbol) == "" {
				verr.Add("data.equities.symbol_fields", "ERR_REQUIRED", "symbol must not be empty")
			}
			for i, f := range fields {
				if f.Field == "" {
					verr.Add(fmt.Sprintf("data.equities.symbol_fields.%s[%d].field", symbol, i), "ERR_REQUIRED", "field is required")
				}
			}
		}
	}
	for group, data := range spec.Data.Custom {
		if group == "" || strings.Contains(group, ".") {
			verr.Add("data.custom", "ERR_NAME", fmt.Sprintf("custom group %q must be non-empty and contain no '.'", group))
		}
		for i, f := range data.Fields {
			if f.Field == "" {
				verr.Add(fmt.Sprintf("data.custom.%s.fields[%d].field", group, i), "ERR_REQUIRED", "field is required")
			}
		}
	}

	for _, ref := range spec.Data.Fields() {
		for i, def := range ref.Field.Features {
			if err := features.ValidateDef(ref.Field.Field, def); err != nil {
				verr.Add(fmt.Sprintf("%s.features[%d]", ref.Prefix(), i), featureCode(err), err.Error())
			}
		}
	}

	// === Model ===
	if spec.Model.Type != "" {
		if err := model.ValidateSpec(spec.Model); err != nil {
			verr.Add("model.params", "ERR_MODEL_PARAMS", err.Error())
		}
	}

	return verr.OrNil()
}

func featureCode(err error) string {
	var unknown *contracts.UnknownTransformError
	if errors.As(err, &unknown) {
		return "ERR_UNKNOWN_TRANSFORM"
	}
	return "ERR_FEATURE_PARAMS"
}

// fieldPath drops the root struct name: "JobSpec.asset.lag" -> "asset.lag"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func errorMessage(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
