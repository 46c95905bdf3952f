package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// agentField 用于拼接 [Agent] 表下的字段路径，输出 Agent.Field 形式。
func agentField(field string) string {
	return fmt.Sprintf("Agent.%s", field)
}

// assetField 定位 CoreAssets 中的某一项，输出 Agent.CoreAssets[i] 形式。
func assetField(idx int) string {
	return fmt.Sprintf("Agent.CoreAssets[%d]", idx)
}
