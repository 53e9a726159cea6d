package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const compressedFilename = "compressed.pdf"

// compress は standard プリセットでは pdfcpu の最適化を、
// aggressive プリセットでは Ghostscript による再圧縮を行います。
func (t *Transformer) compress(ctx context.Context, in Input, opts *CompressOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 40)

	var data []byte
	switch opts.Preset {
	case CompressPresetAggressive:
		data, err = t.runGhostscript(ctx, in.Data, opts.Preset)
	default:
		var buf bytes.Buffer
		if optErr := pdfapi.Optimize(bytes.NewReader(in.Data), &buf, newConfiguration()); optErr != nil {
			err = newError(CodeUnsupportedPDF, "PDFの最適化に失敗しました。ファイルが破損していないか確認してください。", optErr)
		}
		data = buf.Bytes()
	}
	if err != nil {
		return nil, err
	}

	reportProgress(progress, "write", 80)

	before := int64(len(in.Data))
	after := int64(len(data))
	return &Output{
		Data:     data,
		Filename: compressedFilename,
		Kind:     ResultKindPDF,
		Meta: &CompressMeta{
			OriginalSize: before,
			OutputSize:   after,
			SavedBytes:   before - after,
			SavedPercent: computeSavedPercent(before, after),
			Preset:       opts.Preset,
			Pages:        pages,
		},
	}, nil
}

func normalizePreset(p CompressPreset) (CompressPreset, error) {
	switch strings.ToLower(string(p)) {
	case "", string(CompressPresetStandard):
		return CompressPresetStandard, nil
	case string(CompressPresetAggressive):
		return CompressPresetAggressive, nil
	default:
		return "", newError(CodeInvalidOptions, fmt.Sprintf("presetには standard または aggressive を指定してください (received: %s)", p), nil)
	}
}

func (t *Transformer) runGhostscript(ctx context.Context, input []byte, preset CompressPreset) ([]byte, error) {
	ws, err := createWorkspace(t.tempDir)
	if err != nil {
		return nil, err
	}
	defer ws.remove()

	inputPath := filepath.Join(ws.dir, "input.pdf")
	outputPath := filepath.Join(ws.dir, compressedFilename)
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("圧縮用の一時ファイル作成に失敗しました: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.ghostscriptPath, ghostscriptArgs(outputPath, inputPath, preset)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, newError(CodeUnsupportedPDF, "Ghostscriptによる圧縮に失敗しました。", fmt.Errorf("%w: %s", err, stderr.String()))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("圧縮後ファイルの確認に失敗しました: %w", err)
	}
	return data, nil
}

func ghostscriptArgs(outputPath, inputPath string, preset CompressPreset) []string {
	setting := "/printer"
	if preset == CompressPresetAggressive {
		setting = "/screen"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
