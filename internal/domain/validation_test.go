package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected error
	}{
		{"Valid email", "test@example.com", nil},
		{"Valid short local part", "a@example.com", nil},
		{"Valid email with subdomain", "user@mail.example.com", nil},
		{"Valid email with plus", "user+tag@example.com", nil},
		{"Valid email with surrounding spaces", "  user@example.com ", nil},
		{"Invalid email - empty", "", ErrEmailRequired},
		{"Invalid email - blank", "   ", ErrEmailRequired},
		{"Invalid email - no @", "testexample.com", ErrEmailInvalid},
		{"Invalid email - no domain", "test@", ErrEmailInvalid},
		{"Invalid email - no local part", "@example.com", ErrEmailInvalid},
		{"Invalid email - display name", "Test <test@example.com>", ErrEmailInvalid},
		{"Invalid email - too long", strings.Repeat("a", 250) + "@example.com", ErrEmailInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expected)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestValidateProfile(t *testing.T) {
	t.Run("正常资料通过校验", func(t *testing.T) {
		err := ValidateProfile(Profile{FirstName: "Ada", Fields: map[string]string{"company": "ACME"}})
		assert.NoError(t, err)
	})

	t.Run("名字过长失败", func(t *testing.T) {
		err := ValidateProfile(Profile{FirstName: strings.Repeat("x", MaxNameLength+1)})
		assert.ErrorIs(t, err, ErrProfileInvalid)
	})

	t.Run("字段值过长失败", func(t *testing.T) {
		err := ValidateProfile(Profile{Fields: map[string]string{"key": strings.Repeat("x", MaxFieldValueLength+1)}})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestProfileEncryptionKeys(t *testing.T) {
	fields := []Field{
		{Key: "company", Type: FieldTypeText},
		{Key: "pgp", Type: FieldTypeGPG},
		{Key: "pgp_work", Type: FieldTypeGPG},
	}

	t.Run("只返回 gpg 类型的非空字段", func(t *testing.T) {
		p := Profile{Fields: map[string]string{
			"company":  "-----BEGIN PGP PUBLIC KEY BLOCK-----",
			"pgp":      " KEY-A ",
			"pgp_work": "",
		}}
		assert.Equal(t, []string{"KEY-A"}, p.EncryptionKeys(fields))
	})

	t.Run("没有字段时返回空", func(t *testing.T) {
		assert.Empty(t, Profile{}.EncryptionKeys(fields))
	})
}

func TestSubscriberProfileRoundTrip(t *testing.T) {
	s := &Subscriber{}
	p := Profile{FirstName: "Ada", LastName: "Lovelace", Fields: map[string]string{"pgp": "KEY"}}
	s.ApplyProfile(p)

	got := s.Profile()
	assert.Equal(t, p, got)
	assert.Equal(t, "Ada Lovelace", got.FullName())

	// 修改副本不影响订阅者
	got.Fields["pgp"] = "OTHER"
	assert.Equal(t, "KEY", s.Fields["pgp"])
}
