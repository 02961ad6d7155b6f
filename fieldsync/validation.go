// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Field names in errors follow the JSON names the client sent.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		// Money is compared numerically by the gte/lte tags.
		validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
			d, ok := v.Interface().(decimal.Decimal)
			if !ok {
				return nil
			}
			f, _ := d.Float64()
			return f
		}, decimal.Decimal{})
		// The order total is stored in a column of the same range as unit prices.
		_ = validate.RegisterValidation("order_total", func(fl validator.FieldLevel) bool {
			items, ok := fl.Field().Interface().([]OrderItemRequest)
			return !ok || OrderTotal(items).LessThanOrEqual(MaxMoney)
		})
	})
	return validate
}

// validateRequest runs struct validation and folds failures into one ValidationError whose
// details map each offending field to the rule it broke.
func validateRequest(req any) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fielderr.Validation("invalid request: %v", err)
	}

	fields := make(map[string]any, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := trimNamespace(fe.Namespace())
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[field] = rule
		names = append(names, field)
	}
	return fielderr.Validation("invalid fields: %s", strings.Join(names, ", ")).WithDetail("fields", fields)
}

// trimNamespace drops the top-level struct name: "OrderRequest.items[0].quantity" -> "items[0].quantity".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// Validate checks any struct with validate tags the way request bodies are checked.
// Devices use it to reject bad input before queuing.
func Validate(v any) error {
	return validateRequest(v)
}
