package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/studyquest/internal/model"
)

// LoginForm はログインフォームの入力。
type LoginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterForm は新規登録フォームの入力。
type RegisterForm struct {
	Name     string `json:"name" validate:"required,notblank,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// エラーのフィールド名にはJSONタグ名を使う
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return v
}

// ValidateForm はフォームを検証し、違反があれば*model.ValidationErrorを返す。
func ValidateForm(form any) error {
	err := validate.Struct(form)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate form: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, exists := fields[fe.Field()]; exists {
			continue
		}
		fields[fe.Field()] = validationMessage(fe)
	}
	return &model.ValidationError{Fields: fields}
}

// validationMessage はフォーム横に表示するメッセージを返す。
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "入力してください。"
	case "email":
		return "メールアドレスの形式が正しくありません。"
	case "min":
		return fmt.Sprintf("%s文字以上で入力してください。", fe.Param())
	case "max":
		return fmt.Sprintf("%s文字以内で入力してください。", fe.Param())
	default:
		return "入力内容が正しくありません。"
	}
}
