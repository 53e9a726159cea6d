package pdf

import (
	"bytes"
	"context"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const reorderFilename = "reordered.pdf"

func (t *Transformer) reorder(ctx context.Context, in Input, opts *ReorderOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}
	if err := validateOrder(opts.Order, pages); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	selectedPages := make([]string, len(opts.Order))
	for i, idx := range opts.Order {
		selectedPages[i] = strconv.Itoa(idx + 1)
	}

	reportProgress(progress, "process", 40)
	var buf bytes.Buffer
	if err := pdfapi.Collect(bytes.NewReader(in.Data), &buf, selectedPages, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFのページ入替に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	reportProgress(progress, "write", 80)

	return &Output{
		Data:     buf.Bytes(),
		Filename: reorderFilename,
		Kind:     ResultKindPDF,
		Meta: &ReorderMeta{
			Original: sourceMeta(in, pages),
			Order:    append([]int(nil), opts.Order...),
		},
	}, nil
}
