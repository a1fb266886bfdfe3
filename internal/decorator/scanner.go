package decorator

import (
	"strings"
)

type scanner struct {
	src string
}

// scanAll walks the source looking for "@workflow", "@tool" or
// "@data_provider" tokens that start a logical line (only preceded by
// whitespace since the last newline), so "# @workflow" in a comment or
// "x = '@workflow'" in a string never matches.
func (s *scanner) scanAll() ([]Decoration, error) {
	var decs []Decoration

	i := 0
	n := len(s.src)
	for i < n {
		// Skip string/comment content so '@' inside them is never treated
		// as a decorator start.
		if consumed, ok := skipNonCode(s.src, i); ok {
			i += consumed
			continue
		}

		if s.src[i] == '@' && atLineStart(s.src, i) {
			dec, next, err := s.parseDecorator(i)
			if err != nil {
				return nil, err
			}
			if dec != nil {
				decs = append(decs, *dec)
			}
			i = next
			continue
		}

		i++
	}

	return decs, nil
}

// atLineStart reports whether offset i is preceded only by spaces/tabs
// since the most recent newline (or start of file).
func atLineStart(src string, i int) bool {
	j := i
	for j > 0 {
		j--
		c := src[j]
		if c == '\n' {
			return true
		}
		if c != ' ' && c != '\t' {
			return false
		}
	}
	return true
}

// skipNonCode recognizes string literals and comments starting at i and
// returns how many bytes to skip to get past them; ok is false if i does
// not start one.
func skipNonCode(src string, i int) (int, bool) {
	if src[i] == '#' {
		end := strings.IndexByte(src[i:], '\n')
		if end < 0 {
			return len(src) - i, true
		}
		return end, true
	}

	for _, q := range []byte{'"', '\''} {
		if src[i] != q {
			continue
		}
		triple := strings.HasPrefix(src[i:], strings.Repeat(string(q), 3))
		if triple {
			end := strings.Index(src[i+3:], strings.Repeat(string(q), 3))
			if end < 0 {
				return len(src) - i, true
			}
			return 3 + end + 3, true
		}

		j := i + 1
		for j < len(src) {
			if src[j] == '\\' {
				j += 2
				continue
			}
			if src[j] == q {
				j++
				break
			}
			if src[j] == '\n' {
				break
			}
			j++
		}
		return j - i, true
	}

	return 0, false
}

// parseDecorator parses the decorator token starting at '@' offset start.
// Returns nil, start+1, nil if the token is not one of the supported
// decorator names (so the caller just advances past the '@').
func (s *scanner) parseDecorator(start int) (*Decoration, int, error) {
	src := s.src
	i := start + 1

	nameStart := i
	for i < len(src) && isIdentByte(src[i]) {
		i++
	}
	name := src[nameStart:i]

	kind, ok := supportedKinds[name]
	if !ok {
		return nil, start + 1, nil
	}

	// Optional whitespace before '('.
	j := i
	for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
		j++
	}

	hasParens := j < len(src) && src[j] == '('
	var kwargs []KeywordArg
	end := i

	if hasParens {
		closeIdx, err := matchParen(src, j)
		if err != nil {
			return nil, 0, err
		}

		inner := src[j+1 : closeIdx]
		kwargs, err = parseKeywordArgs(inner, start)
		if err != nil {
			return nil, 0, err
		}

		end = closeIdx + 1
	}

	fn, fnErr := findFollowingFunctionName(src, end)
	if fnErr != nil {
		return nil, 0, fnErr
	}

	return &Decoration{
		Type:           kind,
		FunctionName:   fn,
		KeywordArgs:    kwargs,
		HasParentheses: hasParens,
		start:          start,
		end:            end,
	}, end, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// matchParen returns the index of the ')' matching the '(' at open,
// respecting nested brackets and string literals.
func matchParen(src string, open int) (int, error) {
	depth := 0
	i := open
	for i < len(src) {
		if consumed, ok := skipNonCode(src, i); ok {
			i += consumed
			continue
		}
		switch src[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
		i++
	}
	return 0, &ParseError{Offset: open, Message: "unterminated decorator argument list"}
}

// parseKeywordArgs splits the top-level-comma-separated contents of a
// decorator call into key=value pairs, respecting nested brackets/strings.
func parseKeywordArgs(inner string, baseOffset int) ([]KeywordArg, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil, nil
	}

	var args []KeywordArg
	depth := 0
	start := 0
	i := 0
	for i < len(inner) {
		if consumed, ok := skipNonCode(inner, i); ok {
			i += consumed
			continue
		}
		switch inner[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				kw, err := parseOneKeywordArg(inner[start:i], baseOffset)
				if err != nil {
					return nil, err
				}
				args = append(args, kw)
				start = i + 1
			}
		}
		i++
	}
	if strings.TrimSpace(inner[start:]) != "" {
		kw, err := parseOneKeywordArg(inner[start:], baseOffset)
		if err != nil {
			return nil, err
		}
		args = append(args, kw)
	}

	return args, nil
}

func parseOneKeywordArg(piece string, baseOffset int) (KeywordArg, error) {
	trimmed := strings.TrimSpace(piece)
	eq := strings.IndexByte(trimmed, '=')
	if eq < 0 {
		return KeywordArg{}, &ParseError{Offset: baseOffset, Message: "only keyword arguments are supported in decorator calls: " + trimmed}
	}
	key := strings.TrimSpace(trimmed[:eq])
	value := strings.TrimSpace(trimmed[eq+1:])
	if key == "" || value == "" {
		return KeywordArg{}, &ParseError{Offset: baseOffset, Message: "malformed keyword argument: " + trimmed}
	}
	return KeywordArg{Key: key, Value: value}, nil
}

// findFollowingFunctionName scans forward from the end of a decorator,
// skipping blank lines, comments, and any other stacked decorator lines,
// until it finds "def <name>(" or "async def <name>(".
func findFollowingFunctionName(src string, from int) (string, error) {
	i := from
	for i < len(src) {
		// Skip to the start of the next non-blank logical line.
		for i < len(src) && (src[i] == '\n' || src[i] == ' ' || src[i] == '\t' || src[i] == '\r') {
			i++
		}
		if i >= len(src) {
			break
		}

		if src[i] == '#' {
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				break
			}
			i += end
			continue
		}

		if src[i] == '@' {
			// Another stacked decorator: skip its name and optional parens.
			j := i + 1
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
				j++
			}
			if j < len(src) && src[j] == '(' {
				closeIdx, err := matchParen(src, j)
				if err != nil {
					return "", err
				}
				j = closeIdx + 1
			}
			i = j
			continue
		}

		rest := src[i:]
		for _, kw := range []string{"async def ", "def "} {
			if strings.HasPrefix(rest, kw) {
				nameStart := i + len(kw)
				k := nameStart
				for k < len(src) && isIdentByte(src[k]) {
					k++
				}
				return src[nameStart:k], nil
			}
		}

		return "", &ParseError{Offset: i, Message: "decorator is not followed by a function definition"}
	}

	return "", &ParseError{Offset: from, Message: "decorator is not followed by a function definition"}
}
