package gmail

import "strings"

// ReplyTo builds an Outgoing that answers original in its existing thread.
func ReplyTo(original Message, body string) Outgoing {
	subject := original.Headers["Subject"]
	if subject == "" {
		subject = "No Subject"
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	return Outgoing{
		To:        original.Headers["From"],
		Subject:   subject,
		Body:      body,
		InReplyTo: original.Headers["Message-ID"],
		Thread:    original.Thread,
	}
}

// SenderAddress extracts the bare address from a From header value like
// `Ada Lovelace <ada@example.com>`.
func SenderAddress(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i != -1 {
		from = strings.TrimSuffix(from[i+1:], ">")
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// SenderDomain returns the domain part of a From header value, or "".
func SenderDomain(from string) string {
	addr := SenderAddress(from)
	at := strings.LastIndex(addr, "@")
	if at == -1 {
		return ""
	}
	return strings.Trim(addr[at+1:], ". ")
}
