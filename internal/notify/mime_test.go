package notify

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"testing"
)

type mimeLeaf struct {
	contentType string
	header      textproto.MIMEHeader
	body        string
}

// leaves flattens a MIME tree; quoted-printable bodies come back decoded.
func leaves(t *testing.T, contentType string, header textproto.MIMEHeader, body io.Reader) []mimeLeaf {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("解析 Content-Type 失败 %q: %v", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		raw, err := io.ReadAll(body)
		if err != nil {
			t.Fatalf("读取分段失败: %v", err)
		}
		return []mimeLeaf{{contentType: mediaType, header: header, body: string(raw)}}
	}

	var out []mimeLeaf
	reader := multipart.NewReader(body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("读取分段失败: %v", err)
		}
		out = append(out, leaves(t, part.Header.Get("Content-Type"), part.Header, part)...)
	}
}

func parseBuilt(t *testing.T, p Payload) (*mail.Message, []mimeLeaf) {
	t.Helper()
	m, err := BuildMessage("alerts@example.com", p, evalAt)
	if err != nil {
		t.Fatalf("构建邮件失败: %v", err)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("序列化邮件失败: %v", err)
	}
	msg, err := mail.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("解析邮件失败: %v", err)
	}
	return msg, leaves(t, msg.Header.Get("Content-Type"), textproto.MIMEHeader(msg.Header), msg.Body)
}

func TestBuildMessageEmbedsChartByContentID(t *testing.T) {
	p := Payload{
		To:      "driver@example.com",
		Subject: "Fuel Price Alert",
		Text:    `[{"stationCode":"100"}]`,
		HTML:    `<p>Metro Petroleum</p><img src="cid:` + ChartContentID + `"/>`,
		Chart:   []byte("\x89PNG fake image bytes"),
	}
	msg, parts := parseBuilt(t, p)

	if !strings.Contains(msg.Header.Get("To"), "driver@example.com") {
		t.Fatalf("To 头不正确: %s", msg.Header.Get("To"))
	}
	if msg.Header.Get("Subject") != "Fuel Price Alert" {
		t.Fatalf("Subject 头不正确: %s", msg.Header.Get("Subject"))
	}

	var text, html, image *mimeLeaf
	for i := range parts {
		switch parts[i].contentType {
		case "text/plain":
			text = &parts[i]
		case "text/html":
			html = &parts[i]
		case "image/png":
			image = &parts[i]
		}
	}
	if text == nil || html == nil || image == nil {
		t.Fatalf("应包含文本、HTML 与图片三个分段, 实际 %+v", parts)
	}
	if !strings.Contains(text.body, `"stationCode":"100"`) {
		t.Fatalf("文本分段内容不正确: %q", text.body)
	}
	if !strings.Contains(html.body, "cid:"+ChartContentID) {
		t.Fatalf("HTML 应通过 cid 引用图表: %q", html.body)
	}
	if got := image.header.Get("Content-ID"); got != "<"+ChartContentID+">" {
		t.Fatalf("图片 Content-ID 不正确: %q", got)
	}
	if !strings.HasPrefix(image.header.Get("Content-Disposition"), "inline") {
		t.Fatalf("图片应为 inline: %q", image.header.Get("Content-Disposition"))
	}
}

func TestBuildMessageWithoutChart(t *testing.T) {
	_, parts := parseBuilt(t, Payload{To: "a@example.com", Subject: "s", Text: "t", HTML: "<p>h</p>"})
	for _, part := range parts {
		if strings.HasPrefix(part.contentType, "image/") {
			t.Fatalf("没有图表时不应包含图片分段: %+v", parts)
		}
	}
	if len(parts) != 2 {
		t.Fatalf("应只有文本与 HTML 两个分段, 实际 %d", len(parts))
	}
}

func TestBuildMessageRejectsBadRecipient(t *testing.T) {
	if _, err := BuildMessage("alerts@example.com", Payload{To: "not an address"}, evalAt); err == nil {
		t.Fatal("非法收件人应报错")
	}
}
