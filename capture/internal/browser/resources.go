package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// interceptRequests hijacks the page's requests. Resource types listed in
// types are failed, and so are document requests (top-level navigations,
// redirects and frames) that filter rejects. The caller stops the returned
// router.
func interceptRequests(page *rod.Page, types []string, filter func(string) error) *rod.HijackRouter {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		resType := h.Request.Type()
		if shouldBlock(blockSet, string(resType)) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if filter != nil && resType == proto.NetworkResourceTypeDocument {
			if err := filter(h.Request.URL().String()); err != nil {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	}
	return blockSet[lower]
}
