package sipvoice

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// paramHeaderPrefix пользовательские параметры звонка передаются заголовками X-PH-<имя>
const paramHeaderPrefix = "X-PH-"

// dialog состояние SIP диалога, достаточное для запросов внутри него.
// Доступ защищается мьютексом звонка.
type dialog struct {
	callID       sip.CallIDHeader
	localURI     sip.Uri
	remoteURI    sip.Uri
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	contact      sip.Uri
	cseq         uint32
}

// request создает запрос внутри диалога со следующим CSeq
func (d *dialog) request(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)

	from := &sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params = to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := d.callID
	req.AppendHeader(&callID)

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})

	if body != nil {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// tagOf значение параметра tag или пустая строка
func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// setToTag добавляет tag в To ответа, если его еще нет
func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if tagOf(to.Params) == "" {
		to.Params = to.Params.Add("tag", tag)
	}
}

// customParams извлекает параметры из заголовков X-PH-
func customParams(msg interface{ Headers() []sip.Header }) map[string]string {
	params := map[string]string{}
	for _, h := range msg.Headers() {
		name := h.Name()
		if len(name) > len(paramHeaderPrefix) && strings.EqualFold(name[:len(paramHeaderPrefix)], paramHeaderPrefix) {
			params[name[len(paramHeaderPrefix):]] = h.Value()
		}
	}
	return params
}
