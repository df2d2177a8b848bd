// Package script 负责在任务进入队列之前对提交的 Manim 脚本做静态校验。
// 校验失败的脚本不会产生任何 Job 记录，也不会消耗沙箱资源。
package script

import (
	"fmt"
	"strings"

	xerrors "ManimMCP-Render/internal/errors"
)

// CodeValidationFailed 表示脚本未通过准入校验。
const CodeValidationFailed xerrors.Code = "VALIDATION_FAILED"

func init() {
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:   "script rejected by validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validator 按策略校验脚本文本。
type Validator struct {
	policy Policy
}

// NewValidator 构造 Validator。
func NewValidator(policy Policy) *Validator {
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = DefaultPolicy().MaxBytes
	}
	return &Validator{policy: policy}
}

// Validate 校验脚本文本。返回 nil 表示允许进入队列。
func (v *Validator) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return xerrors.New(CodeValidationFailed, "script must not be empty")
	}
	if int64(len(text)) > v.policy.MaxBytes {
		return xerrors.New(CodeValidationFailed,
			fmt.Sprintf("script exceeds %d bytes", v.policy.MaxBytes))
	}
	for _, rule := range v.policy.Deny {
		if rule.Pattern == "" {
			continue
		}
		if strings.Contains(text, rule.Pattern) {
			return xerrors.New(CodeValidationFailed,
				fmt.Sprintf("forbidden construct %q: %s", rule.Pattern, rule.Reason),
				xerrors.WithMetadata("pattern", rule.Pattern))
		}
	}
	return nil
}
