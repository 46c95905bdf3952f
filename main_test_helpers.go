package main

import (
	"bytes"
	"testing"
)

// cliOutput 收集一次 run 调用写到 stdout/stderr 的内容。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureOutput 在测试期间把 stdOut/stdErr 换成内存缓冲，测试结束后还原。
func captureOutput(t *testing.T) *cliOutput {
	t.Helper()

	captured := &cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}
