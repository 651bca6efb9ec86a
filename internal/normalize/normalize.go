// Package normalize implements the Normalizer (§4.3): a pure function from a
// raw chat-transport inbound envelope to the NormalizedInboundMessage shape
// the rest of the engine persists and forwards. It has no external
// dependencies by design — the classification and address-resolution rules
// are exact reimplementations of the spec's ordered rule lists, not a
// parsing problem any pack library solves better than plain string/struct
// code (see DESIGN.md).
package normalize

import (
	"strconv"
	"strings"
)

// StubFailurePatterns are the observed upstream transport strings indicating
// a message failed to decrypt (§4.5 step 4, §9 Open Questions: "an
// implementation must confirm the current transport's exact wording" — kept
// here as the named, swappable table the spec anticipates).
var StubFailurePatterns = []string{
	"no matching sessions found for message",
	"bad mac",
	"failed to decrypt message",
}

// Key mirrors the transport's message key (§4.3 input).
type Key struct {
	ID          string
	RemoteJid   string
	FromMe      bool
	Participant *string
	SenderPn    *string
}

// MediaMessage is any of image/video/audio/document message descriptors.
type MediaMessage struct {
	Kind       string // "image", "video", "audio", "document"
	Mimetype   string
	FileLength *int64
	FileName   *string
	Caption    *string
}

// RawMessage holds the decoded fields the Normalizer inspects; unused
// variants are left nil/empty by the caller.
type RawMessage struct {
	Conversation        *string
	ExtendedText        *string // extendedTextMessage.text
	Image               *MediaMessage
	Video               *MediaMessage
	Audio               *MediaMessage
	Document            *MediaMessage
}

// InboundEnvelope is the raw inbound message envelope described in §4.3.
type InboundEnvelope struct {
	Key                   Key
	Message               *RawMessage
	MessageStubType       *string
	MessageStubParameters []string
	MessageTimestamp      *int64
}

// Content is the classified payload of a NormalizedInboundMessage.
type Content struct {
	Type  string // "stub", "text", "media", "unknown"
	Text  *string
	Media *Media
}

// Media is the normalized media descriptor (§4.3 rule 3). RefURL is set only
// when the Media Reference Store is configured and given raw bytes to park;
// absent otherwise, matching spec.md's exact shape.
type Media struct {
	Kind       string
	Mimetype   string
	FileLength *string
	FileName   *string
	RefURL     *string
}

// Message is the Normalizer's output shape (§4.3).
type Message struct {
	Kind       string
	MessageID  string
	From       string
	ReplyToJid string
	RemoteJid  string
	SenderPn   *string
	To         *string
	Timestamp  *int64
	Content    Content
}

// Normalize classifies one inbound envelope and resolves its reply address.
// ownAddress is this device's own address, or nil if not yet known.
func Normalize(env InboundEnvelope, ownAddress *string) Message {
	from, replyTo := resolveReplyAddress(env.Key)

	return Message{
		Kind:       "inbound_message",
		MessageID:  env.Key.ID,
		From:       from,
		ReplyToJid: replyTo,
		RemoteJid:  env.Key.RemoteJid,
		SenderPn:   env.Key.SenderPn,
		To:         ownAddress,
		Timestamp:  env.MessageTimestamp,
		Content:    classify(env),
	}
}

func classify(env InboundEnvelope) Content {
	hasStub := env.MessageStubType != nil || len(env.MessageStubParameters) > 0
	text, hasText := extractText(env.Message)
	media, hasMedia := extractMedia(env.Message)

	switch {
	case hasStub && !hasText && !hasMedia:
		var stubText *string
		if joined := strings.TrimSpace(strings.Join(env.MessageStubParameters, " ")); joined != "" {
			stubText = &joined
		}
		return Content{Type: "stub", Text: stubText}
	case hasText:
		return Content{Type: "text", Text: &text}
	case hasMedia:
		return Content{Type: "media", Media: &media}
	default:
		return Content{Type: "unknown"}
	}
}

// extractText applies §4.3 rule 2's field precedence: conversation,
// extendedTextMessage.text, imageMessage.caption, videoMessage.caption.
func extractText(m *RawMessage) (string, bool) {
	if m == nil {
		return "", false
	}
	if m.Conversation != nil {
		return *m.Conversation, true
	}
	if m.ExtendedText != nil {
		return *m.ExtendedText, true
	}
	if m.Image != nil && m.Image.Caption != nil {
		return *m.Image.Caption, true
	}
	if m.Video != nil && m.Video.Caption != nil {
		return *m.Video.Caption, true
	}
	return "", false
}

// extractMedia applies §4.3 rule 3's field precedence: imageMessage,
// videoMessage, audioMessage, documentMessage, in that fixed order.
func extractMedia(m *RawMessage) (Media, bool) {
	if m == nil {
		return Media{}, false
	}
	if m.Image != nil {
		return mediaFrom("image", m.Image), true
	}
	if m.Video != nil {
		return mediaFrom("video", m.Video), true
	}
	if m.Audio != nil {
		return mediaFrom("audio", m.Audio), true
	}
	if m.Document != nil {
		return mediaFrom("document", m.Document), true
	}
	return Media{}, false
}

func mediaFrom(kind string, desc *MediaMessage) Media {
	media := Media{Kind: kind, Mimetype: desc.Mimetype, FileName: desc.FileName}
	if desc.FileLength != nil {
		s := strconv.FormatInt(*desc.FileLength, 10)
		media.FileLength = &s
	}
	return media
}

// resolveReplyAddress implements §4.3's reply-address resolution: group and
// broadcast chat ids are used as-is; 1:1 chats prefer the phone-form address
// (senderPn) and fall back to the chat id, both normalized to strip
// device/resource suffixes.
func resolveReplyAddress(key Key) (from, replyToJid string) {
	if isGroupOrBroadcast(key.RemoteJid) {
		return key.RemoteJid, key.RemoteJid
	}

	addr := key.RemoteJid
	if key.SenderPn != nil && *key.SenderPn != "" {
		addr = *key.SenderPn
	}
	addr = normalizeUserForm(addr)
	return addr, addr
}

func isGroupOrBroadcast(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.Contains(jid, "@broadcast")
}

// normalizeUserForm strips WhatsApp's device suffix ("123@s.whatsapp.net:45")
// and any resource suffix ("123@s.whatsapp.net/web") from a user-form jid.
func normalizeUserForm(jid string) string {
	at := strings.Index(jid, "@")
	if at < 0 {
		return jid
	}
	localPart, domain := jid[:at], jid[at:]
	if slash := strings.Index(domain, "/"); slash >= 0 {
		domain = domain[:slash]
	}
	if colon := strings.Index(localPart, ":"); colon >= 0 {
		localPart = localPart[:colon]
	}
	return localPart + domain
}

// IsDecryptionFailureStub reports whether a stub's text matches one of the
// known decryption-failure patterns (§4.5 step 4), case-insensitive.
func IsDecryptionFailureStub(stubText string) bool {
	lower := strings.ToLower(stubText)
	for _, pattern := range StubFailurePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// UserPart returns everything before "@" in a jid, used by the Session
// Manager's clearSenderInMemory (§4.2) to match session/sender-key entries.
func UserPart(jid string) string {
	if at := strings.Index(jid, "@"); at >= 0 {
		return jid[:at]
	}
	return jid
}
