package config

import (
	"fmt"
	"regexp"
	"strings"

	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/jsoncodec"
)

// DefaultTopic is the logical channel used when an address names none.
const DefaultTopic = "main"

// Option names: optional "no-" negation, then an identifier, then either
// "=value" or end of segment. Spaces around the name and '=' are tolerated.
var validOptionName = regexp.MustCompile(`^\s*(?:no-)?[a-zA-Z_]\w*\s*(?:=|$)`)

// ParseOptions splits "text!a=1 ! b = hello !c" into
// ("text", {"a": 1, "b": "hello", "c": true}).
//
// Scanning from the end, the first '!' segment that does not look like an
// option folds itself and everything before it back into the base text.
// This tolerates literal '!' characters embedded in the base, e.g. inside
// a URI credential.
func ParseOptions(text string) (string, map[string]any) {
	parts := strings.Split(text, "!")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	base := parts[0]
	opts := parts[1:]

	for i := len(opts) - 1; i >= 0; i-- {
		if !validOptionName.MatchString(opts[i]) {
			base = strings.Join(append([]string{base}, opts[:i+1]...), "!")
			opts = opts[i+1:]
			break
		}
	}

	options := make(map[string]any, len(opts))
	for _, opt := range opts {
		switch {
		case strings.Contains(opt, "="):
			kv := strings.SplitN(opt, "=", 2)
			options[strings.TrimSpace(kv[0])] = jsoncodec.ValueOrString(kv[1])
		case strings.HasPrefix(opt, "no-"):
			options[opt[3:]] = false
		default:
			options[opt] = true
		}
	}

	return base, options
}

// JoinOptions is the inverse of ParseOptions for valid option maps. It is
// primarily useful for logging and for round-trip testing.
func JoinOptions(base string, options map[string]any) string {
	var sb strings.Builder
	sb.WriteString(base)
	for k, v := range options {
		switch val := v.(type) {
		case bool:
			if val {
				sb.WriteString("!" + k)
			} else {
				sb.WriteString("!no-" + k)
			}
		default:
			sb.WriteString(fmt.Sprintf("!%s=%v", k, v))
		}
	}
	return sb.String()
}

// TopicMapping renames a source topic to a destination topic. A plain
// topic has Source == Dest.
type TopicMapping struct {
	Source string
	Dest   string
}

// ParseTopics splits "text;a;b>c ; >e;" into
// ("text", [{a a} {b c} {main e} {main main}]).
//
// A missing side of '>' defaults to defaultTopic (empty string means
// DefaultTopic). When allowMapping is false any '>' is an error and plain
// topics must be pairwise unique; when it is true, explicitly named
// source topics and destination topics must each be pairwise unique.
// Defaulted sides are exempt, so ";a;>e;" carries two defaulted "main"
// sources without conflict. maxTopics caps the number of entries when
// positive.
func ParseTopics(text string, maxTopics int, allowMapping bool, defaultTopic string) (string, []TopicMapping, error) {
	if defaultTopic == "" {
		defaultTopic = DefaultTopic
	}

	parts := strings.Split(text, ";")
	base := strings.TrimSpace(parts[0])
	segs := parts[1:]

	if len(segs) == 0 {
		return base, nil, nil
	}

	topics := make([]TopicMapping, 0, len(segs))
	srcSeen := make(map[string]bool, len(segs))
	dstSeen := make(map[string]bool, len(segs))

	for _, seg := range segs {
		seg = strings.TrimSpace(seg)

		if !allowMapping {
			if strings.Contains(seg, ">") {
				return "", nil, fferrors.Configf("can not have '>' mappings in %q", text)
			}
			if seg == "" {
				seg = defaultTopic
			}
			if srcSeen[seg] {
				return "", nil, fferrors.Configf("duplicate topics in %q", text)
			}
			srcSeen[seg] = true
			topics = append(topics, TopicMapping{Source: seg, Dest: seg})
			continue
		}

		src, dst := seg, seg
		if before, after, found := strings.Cut(seg, ">"); found {
			src, dst = before, after
		}
		srcNamed, dstNamed := true, true
		if src = strings.TrimSpace(src); src == "" {
			src = defaultTopic
			srcNamed = false
		}
		if dst = strings.TrimSpace(dst); dst == "" {
			dst = defaultTopic
			dstNamed = false
		}

		if (srcNamed && srcSeen[src]) || (dstNamed && dstSeen[dst]) {
			return "", nil, fferrors.Configf("not all topic mappings are unique in %q", text)
		}
		if srcNamed {
			srcSeen[src] = true
		}
		if dstNamed {
			dstSeen[dst] = true
		}
		topics = append(topics, TopicMapping{Source: src, Dest: dst})
	}

	if maxTopics > 0 && len(topics) > maxTopics {
		return "", nil, fferrors.Configf("can not have more than %d ';' topic(s) in %q", maxTopics, text)
	}

	return base, topics, nil
}

var reURICreds = regexp.MustCompile(`://[^/@\s]+@`)

// RedactAddr hides embedded user:password credentials in an address so
// configurations can be logged safely.
func RedactAddr(addr string) string {
	return reURICreds.ReplaceAllString(addr, "://***@")
}
