package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	watermarkedFilename = "watermarked.pdf"
	protectedFilename   = "protected.pdf"
	signedFilename      = "signed.pdf"
	aesKeyLength        = 256
)

func (t *Transformer) watermark(ctx context.Context, in Input, opts *WatermarkOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}

	var selection []string
	if opts.Pages != "" {
		ranges, err := parsePageRanges(opts.Pages, pages)
		if err != nil {
			return nil, err
		}
		for _, pr := range ranges {
			selection = append(selection, buildPageSelection(pr)...)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("font:Helvetica, points:48, rot:45, op:%.2f, scalefactor:0.8 rel", opts.Opacity)
	wm, err := pdfapi.TextWatermark(opts.Text, desc, false, false, types.POINTS)
	if err != nil {
		return nil, newError(CodeInvalidOptions, "透かしの設定が正しくありません。", err)
	}

	reportProgress(progress, "process", 50)
	var buf bytes.Buffer
	if err := pdfapi.AddWatermarks(bytes.NewReader(in.Data), &buf, selection, wm, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "透かしの追加に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	reportProgress(progress, "write", 80)

	return &Output{
		Data:     buf.Bytes(),
		Filename: watermarkedFilename,
		Kind:     ResultKindPDF,
		Meta:     &PageMeta{Original: sourceMeta(in, pages)},
	}, nil
}

func (t *Transformer) protect(ctx context.Context, in Input, opts *ProtectOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(progress, "process", 50)
	var buf bytes.Buffer
	if err := pdfapi.Encrypt(bytes.NewReader(in.Data), &buf, newAESConfiguration(opts.UserPassword, opts.OwnerPassword)); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの暗号化に失敗しました。既に保護されたPDFは処理できません。", err)
	}
	reportProgress(progress, "write", 80)

	return &Output{
		Data:     buf.Bytes(),
		Filename: protectedFilename,
		Kind:     ResultKindPDF,
		Meta:     &PageMeta{Original: sourceMeta(in, pages)},
	}, nil
}

// sign は最終ページの右下に署名者・理由・日付のスタンプを重ねます。
// 暗号学的な電子署名ではなく、可視の署名欄です。
func (t *Transformer) sign(ctx context.Context, in Input, opts *SignOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := []string{"Signed by " + opts.Signer}
	if opts.Reason != "" {
		lines = append(lines, opts.Reason)
	}
	if opts.Date != "" {
		lines = append(lines, opts.Date)
	}

	stamp, err := pdfapi.TextWatermark(strings.Join(lines, `\n`), "font:Helvetica, points:12, pos:br, rot:0, scalefactor:0.3 rel, op:1", true, false, types.POINTS)
	if err != nil {
		return nil, newError(CodeInvalidOptions, "署名スタンプの設定が正しくありません。", err)
	}

	reportProgress(progress, "process", 50)
	var buf bytes.Buffer
	if err := pdfapi.AddWatermarks(bytes.NewReader(in.Data), &buf, []string{fmt.Sprint(pages)}, stamp, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "署名スタンプの追加に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	reportProgress(progress, "write", 80)

	return &Output{
		Data:     buf.Bytes(),
		Filename: signedFilename,
		Kind:     ResultKindPDF,
		Meta:     &PageMeta{Original: sourceMeta(in, pages)},
	}, nil
}
