package capture

import (
	"context"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// Markdown renders a stored snapshot as Markdown. Proxied asset links are made
// absolute against public_url when it is configured.
func (s *Service) Markdown(ctx context.Context, id string) (string, error) {
	doc, err := s.store.GetHTML(ctx, id)
	if err != nil {
		return "", err
	}
	var opts []converter.ConvertOptionFunc
	if s.config.PublicURL != "" {
		opts = append(opts, converter.WithDomain(s.config.PublicURL))
	}
	md, err := s.markdown.ConvertString(doc, opts...)
	if err != nil {
		return "", fmt.Errorf("capture: markdown %s: %w", id, err)
	}
	return md, nil
}
