package pdf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Options は処理種別ごとのオプションを表すタグ付き共用体です。
// 受付時に ParseOptions で検証され、ワーカー側では検証済みの値だけを扱います。
type Options interface {
	Operation() Operation
	validate(inputCount int) error
}

// CompressOptions は compress のオプションです。
type CompressOptions struct {
	Preset CompressPreset `json:"preset,omitempty"`
}

// MergeOptions は merge のオプションです。Order は入力ファイルの並び（0-based）です。
type MergeOptions struct {
	Order []int `json:"order,omitempty"`
}

// SplitOptions は split のオプションです。Ranges は "1-3,4,5-" 形式の範囲指定です。
type SplitOptions struct {
	Ranges string `json:"ranges"`
}

// ReorderOptions は reorder のオプションです。Order は新しいページ順（0-based）です。
type ReorderOptions struct {
	Order []int `json:"order"`
}

// WatermarkOptions は watermark のオプションです。
type WatermarkOptions struct {
	Text    string  `json:"text"`
	Opacity float64 `json:"opacity,omitempty"`
	Pages   string  `json:"pages,omitempty"`
}

// ProtectOptions は protect のオプションです。
type ProtectOptions struct {
	UserPassword  string `json:"userPassword"`
	OwnerPassword string `json:"ownerPassword,omitempty"`
}

// SignOptions は sign のオプションです。最終ページに可視の署名スタンプを押します。
type SignOptions struct {
	Signer string `json:"signer"`
	Reason string `json:"reason,omitempty"`
	Date   string `json:"date,omitempty"`
}

func (CompressOptions) Operation() Operation  { return OperationCompress }
func (MergeOptions) Operation() Operation     { return OperationMerge }
func (SplitOptions) Operation() Operation     { return OperationSplit }
func (ReorderOptions) Operation() Operation   { return OperationReorder }
func (WatermarkOptions) Operation() Operation { return OperationWatermark }
func (ProtectOptions) Operation() Operation   { return OperationProtect }
func (SignOptions) Operation() Operation      { return OperationSign }

const (
	maxWatermarkText = 200
	maxSignerText    = 120
	minPasswordLen   = 4
)

// ParseOptions は JSON のオプションを処理種別に応じた型へ変換し、検証します。
// raw が空の場合はデフォルト値として扱います。
func ParseOptions(op Operation, raw json.RawMessage, inputCount int) (Options, error) {
	var opts Options
	switch op {
	case OperationCompress:
		opts = &CompressOptions{}
	case OperationMerge:
		opts = &MergeOptions{}
	case OperationSplit:
		opts = &SplitOptions{}
	case OperationReorder:
		opts = &ReorderOptions{}
	case OperationWatermark:
		opts = &WatermarkOptions{}
	case OperationProtect:
		opts = &ProtectOptions{}
	case OperationSign:
		opts = &SignOptions{}
	default:
		return nil, newError(CodeInvalidOptions, fmt.Sprintf("未対応の処理です: %s", op), nil)
	}

	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(opts); err != nil {
			return nil, newError(CodeInvalidOptions, "オプションの形式が正しくありません。", err)
		}
	}

	if err := opts.validate(inputCount); err != nil {
		return nil, err
	}
	return opts, nil
}

// EncodeOptions は検証済みオプションを保存用の JSON に変換します。
func EncodeOptions(opts Options) (json.RawMessage, error) {
	if opts == nil {
		return nil, fmt.Errorf("options is nil")
	}
	return json.Marshal(opts)
}

// RedactOptions は保存済みオプションからパスワードなどの秘密を取り除いたものを返します。
// 秘密を含まない処理のオプションはそのまま返します。
func RedactOptions(op Operation, raw json.RawMessage) json.RawMessage {
	if op == OperationProtect {
		return nil
	}
	return raw
}

func requireSingleInput(op Operation, inputCount int) error {
	if inputCount != 1 {
		return newError(CodeInvalidOptions, fmt.Sprintf("%s はPDFファイルを1つだけ指定してください。", op), nil)
	}
	return nil
}

func (o *CompressOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationCompress, inputCount); err != nil {
		return err
	}
	preset, err := normalizePreset(o.Preset)
	if err != nil {
		return err
	}
	o.Preset = preset
	return nil
}

func (o *MergeOptions) validate(inputCount int) error {
	if inputCount < 2 {
		return newError(CodeInvalidOptions, "結合には2つ以上のPDFファイルが必要です。", nil)
	}
	if len(o.Order) == 0 {
		return nil
	}
	return validateOrder(o.Order, inputCount)
}

func (o *SplitOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationSplit, inputCount); err != nil {
		return err
	}
	o.Ranges = strings.TrimSpace(o.Ranges)
	if o.Ranges == "" {
		return newError(CodeInvalidOptions, "分割するページ範囲を指定してください。", nil)
	}
	// ページ数はこの時点では不明なので、書式と昇順だけを検証する
	if _, err := parsePageRanges(o.Ranges, maxPageBound); err != nil {
		return err
	}
	return nil
}

func (o *ReorderOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationReorder, inputCount); err != nil {
		return err
	}
	if len(o.Order) == 0 {
		return newError(CodeInvalidOptions, "ページの順序を指定してください。", nil)
	}
	return validateOrder(o.Order, len(o.Order))
}

func (o *WatermarkOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationWatermark, inputCount); err != nil {
		return err
	}
	o.Text = strings.TrimSpace(o.Text)
	if o.Text == "" {
		return newError(CodeInvalidOptions, "透かしの文字列を指定してください。", nil)
	}
	if utf8.RuneCountInString(o.Text) > maxWatermarkText {
		return newError(CodeInvalidOptions, fmt.Sprintf("透かしの文字列は%d文字以内で指定してください。", maxWatermarkText), nil)
	}
	if o.Opacity == 0 {
		o.Opacity = 0.3
	}
	if o.Opacity < 0 || o.Opacity > 1 {
		return newError(CodeInvalidOptions, "opacity は 0 より大きく 1 以下で指定してください。", nil)
	}
	o.Pages = strings.TrimSpace(o.Pages)
	if o.Pages != "" {
		if _, err := parsePageRanges(o.Pages, maxPageBound); err != nil {
			return err
		}
	}
	return nil
}

func (o *ProtectOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationProtect, inputCount); err != nil {
		return err
	}
	if len(o.UserPassword) < minPasswordLen {
		return newError(CodeInvalidOptions, fmt.Sprintf("パスワードは%d文字以上で指定してください。", minPasswordLen), nil)
	}
	if o.OwnerPassword == "" {
		o.OwnerPassword = o.UserPassword
	}
	return nil
}

func (o *SignOptions) validate(inputCount int) error {
	if err := requireSingleInput(OperationSign, inputCount); err != nil {
		return err
	}
	o.Signer = strings.TrimSpace(o.Signer)
	if o.Signer == "" {
		return newError(CodeInvalidOptions, "署名者名を指定してください。", nil)
	}
	if utf8.RuneCountInString(o.Signer) > maxSignerText || utf8.RuneCountInString(o.Reason) > maxSignerText {
		return newError(CodeInvalidOptions, fmt.Sprintf("署名者名と理由は%d文字以内で指定してください。", maxSignerText), nil)
	}
	return nil
}

func validateOrder(order []int, count int) error {
	if len(order) != count {
		return newError(CodeInvalidOptions, "order配列の長さが対象の数と一致していません。", nil)
	}

	seen := make([]bool, count)
	for _, idx := range order {
		if idx < 0 || idx >= count {
			return newError(CodeInvalidOptions, "order配列に不正な番号が含まれています。", nil)
		}
		if seen[idx] {
			return newError(CodeInvalidOptions, "order配列に重複した番号が含まれています。", nil)
		}
		seen[idx] = true
	}

	return nil
}
