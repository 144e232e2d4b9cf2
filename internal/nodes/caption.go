package nodes

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// CaptionGen writes generated_caption onto an item from a template with
// {original}, {author}, {time}, {date} and {tags} placeholders.
type CaptionGen struct{}

type captionConfig struct {
	Template       string `json:"template"`
	RemoveHashtags bool   `json:"remove_hashtags"`
	AppendTags     string `json:"append_tags"`
}

var hashtagRe = regexp.MustCompile(`#\w+`)

func (CaptionGen) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	cfg := captionConfig{Template: "{original}"}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	item, err := singleItem(in.Data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if in.Exec != nil {
		now = in.Exec.Now()
	}
	out := copyItem(item)
	out["generated_caption"] = Caption(cfg.Template, item, now, cfg.RemoveHashtags, cfg.AppendTags)
	return single(out), nil
}

// Caption renders a caption template for item at now.
func Caption(tmpl string, item map[string]any, now time.Time, removeHashtags bool, appendTags string) string {
	original := stringField(item, "description")
	if removeHashtags {
		original = strings.Join(strings.Fields(hashtagRe.ReplaceAllString(original, "")), " ")
	}
	var tags []string
	switch list := field(item, "tags").(type) {
	case []string:
		tags = list
	case []any:
		for _, t := range list {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	caption := strings.NewReplacer(
		"{original}", original,
		"{author}", stringField(item, "author"),
		"{time}", now.Format("15:04:05"),
		"{date}", now.Format("2006-01-02"),
		"{tags}", strings.Join(tags, " "),
	).Replace(tmpl)
	if appendTags != "" {
		caption = strings.TrimSpace(caption) + " " + appendTags
	}
	return caption
}
