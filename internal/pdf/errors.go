package pdf

import "fmt"

// エラーコード
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeInvalidOptions = "INVALID_OPTIONS"
	CodeUnsupportedPDF = "UNSUPPORTED_PDF"
)

// Error は利用者に返却できるコード付きエラーです。
// Message は画面にそのまま表示できる文言で、内部の詳細は Err に保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
