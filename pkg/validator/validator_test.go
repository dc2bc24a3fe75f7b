package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

type projectPayload struct {
	Title     string `json:"title" validate:"notblank,max=255"`
	CreatedAt int64  `json:"created_at" validate:"gte=0"`
}

func TestValidateStructSuccess(t *testing.T) {
	require.NoError(t, ValidateStruct(projectPayload{Title: "Flat 3B", CreatedAt: 1000}))
}

func TestValidateStructFailures(t *testing.T) {
	err := ValidateStruct(projectPayload{Title: "   ", CreatedAt: -1})
	require.Error(t, err)

	vErrs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	require.Len(t, vErrs, 2)

	fields := map[string]string{}
	for _, v := range vErrs {
		fields[v.Field] = v.Tag
	}
	require.Equal(t, "notblank", fields["title"])
	require.Equal(t, "gte", fields["created_at"])
	require.Contains(t, vErrs.Error(), "created_at failed on gte=0")
}

func TestValidateStructMaxLength(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	err := ValidateStruct(projectPayload{Title: string(long)})
	require.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("sync_tag", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "sync-projects"
	})
	require.NoError(t, err)

	type custom struct {
		Value string `validate:"sync_tag"`
	}

	require.NoError(t, ValidateStruct(custom{Value: "sync-projects"}))
	require.Error(t, ValidateStruct(custom{Value: "other"}))
}
