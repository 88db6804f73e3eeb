package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/samsamfire/jpipclient/pkg/model"
	"github.com/samsamfire/jpipclient/pkg/request"
)

// buildRequestURI renders a JPIP request-URI (spec.md §4.D/§4.G): the
// target resource, the requested resolution/region, the wire qid used to
// correlate aux-channel chunks back to this request, and any cache-model
// statements the model manager decided to include.
func buildRequestURI(target string, auxQid uint16, req *request.Request, statements []model.Statement) string {
	q := url.Values{}
	if target != "" {
		q.Set("target", target)
	}
	q.Set("qid", strconv.Itoa(int(auxQid)))

	w := req.EffectiveWOI
	q.Set("fsiz", fmt.Sprintf("%d,%d", w.ResX, w.ResY))
	if w.Region.Width > 0 || w.Region.Height > 0 {
		q.Set("roff", fmt.Sprintf("%d,%d", w.Region.OffX, w.Region.OffY))
		q.Set("rsiz", fmt.Sprintf("%d,%d", w.Region.Width, w.Region.Height))
	}
	if req.ByteLimit > 0 {
		q.Set("len", strconv.Itoa(req.ByteLimit))
	}
	if len(statements) > 0 {
		parts := make([]string, len(statements))
		for i, s := range statements {
			parts[i] = s.Text()
		}
		q.Set("model", strings.Join(parts, ","))
	}
	return "/jpip?" + q.Encode()
}
