package pdf

import (
	"bytes"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount はPDFのページ数を返します。読み込めない場合は UNSUPPORTED_PDF を返します。
func PageCount(data []byte) (int, error) {
	return pageCount(data)
}

func pageCount(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, newError(CodeInvalidInput, "PDFファイルが空です。", nil)
	}
	pages, err := pdfapi.PageCount(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return 0, newError(CodeUnsupportedPDF, "PDFを読み込めませんでした。ファイルが破損していないか確認してください。", err)
	}
	if pages == 0 {
		return 0, newError(CodeUnsupportedPDF, "ページが含まれていないPDFです。", nil)
	}
	return pages, nil
}

func sourceMeta(in Input, pages int) SourceFileMeta {
	return SourceFileMeta{
		Name:  in.Name,
		Size:  int64(len(in.Data)),
		Pages: pages,
	}
}
