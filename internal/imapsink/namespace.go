package imapsink

import (
	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
)

// namespaceCommand issues a bare RFC 2342 NAMESPACE command. go-imap's
// core client doesn't implement this extension, so it's sent the same
// way the library's own extension packages (go-imap-idle, go-imap-move)
// add commands it doesn't know about: a Commander plus a custom
// responses.Handler run through Client.Execute.
type namespaceCommand struct{}

func (namespaceCommand) Command() *imap.Command {
	return &imap.Command{Name: "NAMESPACE"}
}

// namespaceResult captures the first personal-namespace entry from the
// NAMESPACE response. Shared, Other, and additional personal entries are
// ignored: spec §4.3 only wants a single (prefix, delimiter) pair.
type namespaceResult struct {
	prefix    string
	delimiter string
	found     bool
}

func (r *namespaceResult) Handle(resp imap.Resp) error {
	fields, ok := imap.ParseNamedResp(resp, "NAMESPACE")
	if !ok {
		return nil
	}
	if len(fields) == 0 {
		return nil
	}
	personal, ok := fields[0].([]interface{})
	if !ok || len(personal) == 0 {
		return nil
	}
	entry, ok := personal[0].([]interface{})
	if !ok || len(entry) < 2 {
		return nil
	}
	prefix, err := imap.ParseString(entry[0])
	if err != nil {
		return nil
	}
	delim, err := imap.ParseString(entry[1])
	if err != nil {
		return nil
	}
	r.prefix, r.delimiter, r.found = prefix, delim, true
	return nil
}

// discoverNamespace runs NAMESPACE and extracts the personal-namespace
// (prefix, delimiter) pair. ok is false on any protocol or parse error,
// signaling the caller to fall back to ("INBOX.", ".").
func discoverNamespace(c *imapclient.Client) (prefix, delimiter string, ok bool) {
	res := &namespaceResult{}
	status, err := c.Execute(namespaceCommand{}, res)
	if err != nil {
		return "", "", false
	}
	if err := status.Err(); err != nil {
		return "", "", false
	}
	if !res.found {
		return "", "", false
	}
	return res.prefix, res.delimiter, true
}
