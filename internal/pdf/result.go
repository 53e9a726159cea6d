package pdf

import "strings"

// Operation はPDF処理の種別を表します。
type Operation string

const (
	OperationCompress  Operation = "compress"
	OperationMerge     Operation = "merge"
	OperationSplit     Operation = "split"
	OperationReorder   Operation = "reorder"
	OperationWatermark Operation = "watermark"
	OperationProtect   Operation = "protect"
	OperationSign      Operation = "sign"
)

// Operations は対応している処理種別を一覧で返します。
func Operations() []Operation {
	return []Operation{
		OperationCompress,
		OperationMerge,
		OperationSplit,
		OperationReorder,
		OperationWatermark,
		OperationProtect,
		OperationSign,
	}
}

// ParseOperation は文字列を Operation に変換します。未知の値は false を返します。
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Operations() {
		if op == known {
			return op, true
		}
	}
	return "", false
}

// CompressPreset は圧縮プリセットの種類を表します。
type CompressPreset string

const (
	CompressPresetStandard   CompressPreset = "standard"
	CompressPresetAggressive CompressPreset = "aggressive"
)

// ResultKind は生成される成果物の種別を表します。
type ResultKind string

const (
	ResultKindPDF ResultKind = "pdf"
	ResultKindZIP ResultKind = "zip"
)

// ContentType は成果物の MIME タイプを返します。
func (k ResultKind) ContentType() string {
	switch k {
	case ResultKindPDF:
		return "application/pdf"
	case ResultKindZIP:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// Output はPDF処理の成果を表します。
type Output struct {
	Data     []byte
	Filename string
	Kind     ResultKind
	Meta     any
}

// SourceFileMeta は入力ファイルの基本情報です。
type SourceFileMeta struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// CompressMeta は圧縮処理のメタデータです。
type CompressMeta struct {
	OriginalSize int64          `json:"originalSize"`
	OutputSize   int64          `json:"outputSize"`
	SavedBytes   int64          `json:"savedBytes"`
	SavedPercent float64        `json:"savedPercent"`
	Preset       CompressPreset `json:"preset"`
	Pages        int            `json:"pages,omitempty"`
}

// MergeMeta は結合処理のメタデータです。
type MergeMeta struct {
	TotalPages int              `json:"totalPages"`
	Sources    []SourceFileMeta `json:"sources"`
}

// ReorderMeta はページ順入替処理のメタデータです。
type ReorderMeta struct {
	Original SourceFileMeta `json:"original"`
	Order    []int          `json:"order"`
}

// SplitMeta は分割処理のメタデータです。
type SplitMeta struct {
	Original SourceFileMeta `json:"original"`
	Ranges   []PageRange    `json:"ranges"`
	Parts    []SplitPart    `json:"parts"`
}

// PageRange は分割対象のページ範囲を表します（Start/Endは1-based, End>=Start）。
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SplitPart は分割で生成された各PDFの情報です。
type SplitPart struct {
	Filename string `json:"filename"`
	FromPage int    `json:"fromPage"`
	ToPage   int    `json:"toPage"`
	Pages    int    `json:"pages"`
	Size     int64  `json:"size"`
}

// PageMeta は透かし・保護・署名処理のメタデータです。
type PageMeta struct {
	Original SourceFileMeta `json:"original"`
}
