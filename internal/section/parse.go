package section

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

const maxLineSize = 16 * 1024 * 1024

// Parse reads a logwatch section. Configuration error lines go to Errors
// with their prefix. Lines written before any batch marker share one
// freshly generated batch id.
func Parse(r io.Reader) (*types.Section, error) {
	sec := &types.Section{Logfiles: make(map[string]*types.ItemData)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		item     *types.ItemData
		batch    string
		implicit string
	)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, config.CannotReadPrefix),
			strings.HasPrefix(line, config.InvalidOptionPrefix):
			sec.Errors = append(sec.Errors, line)

		case strings.HasPrefix(line, "<<<") && strings.HasSuffix(line, ">>>"):
			continue

		case strings.HasPrefix(line, "[[[") && strings.HasSuffix(line, "]]]"):
			path, attr := parseHeader(line[3 : len(line)-3])
			item = sec.Logfiles[path]
			if item == nil {
				item = &types.ItemData{Attr: attr, Lines: make(map[string][]string)}
				sec.Logfiles[path] = item
			}
			batch = ""

		case strings.HasPrefix(line, BatchPrefix):
			batch = strings.TrimSpace(line[len(BatchPrefix):])

		case item != nil:
			if batch == "" {
				if implicit == "" {
					implicit = uuid.NewString()
				}
				batch = implicit
			}
			item.Lines[batch] = append(item.Lines[batch], line)
		}
	}

	if err := scanner.Err(); err != nil {
		return sec, fmt.Errorf("failed to read section: %w", err)
	}
	return sec, nil
}

// parseHeader splits a header token into path and state. Only the known
// states are split off so paths with colons, like Windows drive letters,
// stay intact.
func parseHeader(token string) (string, types.ItemAttr) {
	if i := strings.LastIndex(token, attrSeparator); i >= 0 {
		switch attr := types.ItemAttr(token[i+1:]); attr {
		case types.AttrMissing, types.AttrCannotOpen:
			return token[:i], attr
		}
	}
	return token, types.AttrOK
}
