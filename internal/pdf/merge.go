package pdf

import (
	"bytes"
	"context"
	"io"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const mergedFilename = "merged.pdf"

// merge は Order の順（未指定ならアップロード順）で入力を結合します。
func (t *Transformer) merge(ctx context.Context, inputs []Input, opts *MergeOptions, progress ProgressReporter) (*Output, error) {
	order := opts.Order
	if len(order) == 0 {
		order = make([]int, len(inputs))
		for i := range order {
			order[i] = i
		}
	}

	sources := make([]SourceFileMeta, 0, len(inputs))
	readers := make([]io.ReadSeeker, 0, len(inputs))
	total := 0
	for i, idx := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := inputs[idx]
		pages, err := pageCount(in.Data)
		if err != nil {
			return nil, err
		}
		total += pages
		sources = append(sources, sourceMeta(in, pages))
		readers = append(readers, bytes.NewReader(in.Data))
		reportProgress(progress, "load", 10+(30*(i+1))/len(order))
	}

	reportProgress(progress, "process", 50)
	var buf bytes.Buffer
	if err := pdfapi.MergeRaw(readers, &buf, false, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	reportProgress(progress, "write", 80)

	return &Output{
		Data:     buf.Bytes(),
		Filename: mergedFilename,
		Kind:     ResultKindPDF,
		Meta: &MergeMeta{
			TotalPages: total,
			Sources:    sources,
		},
	}, nil
}
