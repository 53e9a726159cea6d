package pdf

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	splitFilename = "split.zip"
	maxPageBound  = 100000
)

func (t *Transformer) split(ctx context.Context, in Input, opts *SplitOptions, progress ProgressReporter) (*Output, error) {
	pages, err := pageCount(in.Data)
	if err != nil {
		return nil, err
	}
	ranges, err := parsePageRanges(opts.Ranges, pages)
	if err != nil {
		return nil, err
	}

	partsMeta := make([]SplitPart, 0, len(ranges))
	parts := make([]zipEntry, 0, len(ranges))

	for i, pr := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		partName := fmt.Sprintf("part-%02d.pdf", i+1)
		reportProgress(progress, "process", 20+(60*(i+1))/len(ranges))

		var buf bytes.Buffer
		if err := pdfapi.Collect(bytes.NewReader(in.Data), &buf, buildPageSelection(pr), newConfiguration()); err != nil {
			return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ範囲 %d の生成に失敗しました。", i+1), err)
		}

		partsMeta = append(partsMeta, SplitPart{
			Filename: partName,
			FromPage: pr.Start,
			ToPage:   pr.End,
			Pages:    pr.End - pr.Start + 1,
			Size:     int64(buf.Len()),
		})
		parts = append(parts, zipEntry{name: partName, data: buf.Bytes()})
	}

	archive, err := createZip(parts)
	if err != nil {
		return nil, err
	}
	reportProgress(progress, "write", 90)

	return &Output{
		Data:     archive,
		Filename: splitFilename,
		Kind:     ResultKindZIP,
		Meta: &SplitMeta{
			Original: sourceMeta(in, pages),
			Ranges:   ranges,
			Parts:    partsMeta,
		},
	}, nil
}

func parsePageRanges(expr string, pageCount int) ([]PageRange, error) {
	segments := strings.Split(expr, ",")
	ranges := make([]PageRange, 0, len(segments))
	usedPages := make(map[int]struct{})
	lastEnd := 0

	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, newError(CodeInvalidOptions, "空の範囲指定が含まれています。", nil)
		}

		start, end, err := parseSingleRange(seg, pageCount)
		if err != nil {
			return nil, err
		}

		if start <= lastEnd {
			return nil, newError(CodeInvalidOptions, "ページ範囲は昇順で指定してください。", nil)
		}
		lastEnd = end

		for p := start; p <= end; p++ {
			usedPages[p] = struct{}{}
		}

		ranges = append(ranges, PageRange{Start: start, End: end})

		if end == pageCount && i != len(segments)-1 {
			return nil, newError(CodeInvalidOptions, "最終ページ指定の後に追加の範囲を指定することはできません。", nil)
		}
	}

	if len(usedPages) == 0 {
		return nil, newError(CodeInvalidOptions, "有効なページ範囲が指定されていません。", nil)
	}

	return ranges, nil
}

func parseSingleRange(seg string, pageCount int) (int, int, error) {
	if strings.Contains(seg, "-") {
		parts := strings.SplitN(seg, "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, newError(CodeInvalidOptions, "範囲開始が整数ではありません。", nil)
		}
		end := pageCount
		if tail := strings.TrimSpace(parts[1]); tail != "" {
			end, err = strconv.Atoi(tail)
			if err != nil {
				return 0, 0, newError(CodeInvalidOptions, "範囲終了が整数ではありません。", nil)
			}
		}

		if start < 1 || end < start || end > pageCount {
			return 0, 0, newError(CodeInvalidOptions, "範囲指定がページ数の範囲外です。", nil)
		}
		return start, end, nil
	}

	page, err := strconv.Atoi(seg)
	if err != nil {
		return 0, 0, newError(CodeInvalidOptions, "ページ番号が整数ではありません。", nil)
	}
	if page < 1 || page > pageCount {
		return 0, 0, newError(CodeInvalidOptions, "ページ番号がページ数の範囲外です。", nil)
	}
	return page, page, nil
}

func buildPageSelection(pr PageRange) []string {
	pages := make([]string, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}

type zipEntry struct {
	name string
	data []byte
}

// createZip はエントリを渡された順に格納した ZIP をメモリ上に作成します。
// 更新日時は書き込まないため、同じ入力からは同じバイト列になります。
func createZip(entries []zipEntry) ([]byte, error) {
	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:   entry.name,
			Method: zip.Deflate,
		}
		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}
		if _, err := writer.Write(entry.data); err != nil {
			return nil, fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}
