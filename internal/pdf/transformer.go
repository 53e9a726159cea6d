// Package pdf はジョブから呼び出されるPDF変換処理（Transform）を提供します。
package pdf

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/docforge/internal/config"
)

var disableConfigDirOnce sync.Once

// Input は変換対象のファイルです。
type Input struct {
	Name string
	Data []byte
}

// Request は1回の変換要求です。Options は ParseOptions で検証済みである必要があります。
type Request struct {
	Operation Operation
	Inputs    []Input
	Options   Options
}

// InputSize は入力ファイルの合計サイズを返します。
func (r Request) InputSize() int64 {
	var total int64
	for _, in := range r.Inputs {
		total += int64(len(in.Data))
	}
	return total
}

// Transformer はPDF変換を実行します。
// 入力が同じであれば同じ結果を返し、共有状態を変更しないため、同じジョブを何度でも再実行できます。
type Transformer struct {
	ghostscriptPath string
	tempDir         string
}

// NewTransformer は Transformer を初期化します。
func NewTransformer(cfg *config.Config) *Transformer {
	disableConfigDirOnce.Do(pdfapi.DisableConfigDir)

	t := &Transformer{ghostscriptPath: "gs"}
	if cfg != nil {
		if cfg.GhostscriptPath != "" {
			t.ghostscriptPath = cfg.GhostscriptPath
		}
		if cfg.StoragePath != "" {
			t.tempDir = filepath.Join(cfg.StoragePath, "tmp")
		}
	}
	return t
}

// Apply は要求された処理を実行します。
func (t *Transformer) Apply(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(req.Inputs) == 0 {
		return nil, newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}
	if req.Options == nil {
		return nil, fmt.Errorf("options is nil")
	}
	if req.Options.Operation() != req.Operation {
		return nil, fmt.Errorf("options for %s given to %s", req.Options.Operation(), req.Operation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "load", 10)

	var (
		out *Output
		err error
	)
	switch opts := req.Options.(type) {
	case *CompressOptions:
		out, err = t.compress(ctx, req.Inputs[0], opts, progress)
	case *MergeOptions:
		out, err = t.merge(ctx, req.Inputs, opts, progress)
	case *SplitOptions:
		out, err = t.split(ctx, req.Inputs[0], opts, progress)
	case *ReorderOptions:
		out, err = t.reorder(ctx, req.Inputs[0], opts, progress)
	case *WatermarkOptions:
		out, err = t.watermark(ctx, req.Inputs[0], opts, progress)
	case *ProtectOptions:
		out, err = t.protect(ctx, req.Inputs[0], opts, progress)
	case *SignOptions:
		out, err = t.sign(ctx, req.Inputs[0], opts, progress)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", req.Operation)
	}
	if err != nil {
		return nil, err
	}

	reportProgress(progress, "completed", 100)
	return out, nil
}

func newConfiguration() *model.Configuration {
	disableConfigDirOnce.Do(pdfapi.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func newAESConfiguration(userPW, ownerPW string) *model.Configuration {
	disableConfigDirOnce.Do(pdfapi.DisableConfigDir)
	conf := model.NewAESConfiguration(userPW, ownerPW, aesKeyLength)
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	cb(stage, min(max(percent, 0), 100))
}
