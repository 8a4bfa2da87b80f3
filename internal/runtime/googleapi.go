// internal/runtime/googleapi.go — adapts *gmail.Service to our small interface
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/rparke/inboxctl/internal/gmail"
)

const (
	labelIDInbox  = "INBOX"
	labelIDUnread = "UNREAD"
)

// googleClient translates between the API's label IDs and the resolved
// label names the rest of the program works with. The name cache refreshes
// lazily when an unknown ID or name shows up.
type googleClient struct {
	svc    *gmail.Service
	byName map[string]gc.LabelID
	byID   map[gc.LabelID]string
}

func NewGoogleAPIClient(svc *gmail.Service) *googleClient { return &googleClient{svc: svc} }

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List("me").Q(q.Raw).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, err
	}
	page := gc.ListPage{NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

func (g *googleClient) Get(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	msg, err := g.svc.Users.Messages.Get("me", string(id)).
		Format("metadata").MetadataHeaders("From", "Subject").Context(ctx).Do()
	if err != nil {
		return gc.Message{}, mapNotFound(err)
	}
	out := gc.Message{
		ID:      id,
		Snippet: msg.Snippet,
		Date:    time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				out.Sender = parseSender(h.Value)
			case "Subject":
				out.Subject = h.Value
			}
		}
	}
	for _, lid := range msg.LabelIds {
		if lid == labelIDUnread {
			out.Unread = true
		}
		name, err := g.labelName(ctx, gc.LabelID(lid))
		if err != nil {
			return gc.Message{}, err
		}
		out.Labels = append(out.Labels, name)
	}
	return out, nil
}

func (g *googleClient) Modify(ctx context.Context, id gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.ModifyMessageRequest{}
	for _, name := range ops.AddLabels {
		lid, err := g.labelID(ctx, name)
		if err != nil {
			return err
		}
		req.AddLabelIds = append(req.AddLabelIds, string(lid))
	}
	for _, name := range ops.RemoveLabels {
		lid, err := g.labelID(ctx, name)
		if err != nil {
			return err
		}
		req.RemoveLabelIds = append(req.RemoveLabelIds, string(lid))
	}
	if ops.MarkRead {
		req.RemoveLabelIds = append(req.RemoveLabelIds, labelIDUnread)
	}
	if ops.MarkUnread {
		req.AddLabelIds = append(req.AddLabelIds, labelIDUnread)
	}
	if ops.Archive {
		req.RemoveLabelIds = append(req.RemoveLabelIds, labelIDInbox)
	}
	if len(req.AddLabelIds) == 0 && len(req.RemoveLabelIds) == 0 {
		return nil
	}
	_, err := g.svc.Users.Messages.Modify("me", string(id), req).Context(ctx).Do()
	return mapNotFound(err)
}

func (g *googleClient) Delete(ctx context.Context, id gc.MessageID) error {
	return mapNotFound(g.svc.Users.Messages.Delete("me", string(id)).Context(ctx).Do())
}

func (g *googleClient) ListLabels(ctx context.Context) (map[string]gc.LabelID, map[gc.LabelID]string, error) {
	lr, err := g.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, nil, err
	}
	byName := map[string]gc.LabelID{}
	byID := map[gc.LabelID]string{}
	for _, l := range lr.Labels {
		byName[l.Name] = gc.LabelID(l.Id)
		byID[gc.LabelID(l.Id)] = l.Name
	}
	g.byName, g.byID = byName, byID
	return byName, byID, nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, name string) (gc.LabelID, error) {
	if lid, err := g.labelID(ctx, name); err == nil {
		return lid, nil
	}
	created, err := g.svc.Users.Labels.Create("me", &gmail.Label{Name: name}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	if g.byName == nil {
		g.byName = map[string]gc.LabelID{}
		g.byID = map[gc.LabelID]string{}
	}
	g.byName[name] = gc.LabelID(created.Id)
	g.byID[gc.LabelID(created.Id)] = name
	return gc.LabelID(created.Id), nil
}

func (g *googleClient) labelID(ctx context.Context, name string) (gc.LabelID, error) {
	if lid, ok := g.byName[name]; ok {
		return lid, nil
	}
	if _, _, err := g.ListLabels(ctx); err != nil {
		return "", err
	}
	if lid, ok := g.byName[name]; ok {
		return lid, nil
	}
	return "", fmt.Errorf("label %q does not exist", name)
}

func (g *googleClient) labelName(ctx context.Context, id gc.LabelID) (string, error) {
	if name, ok := g.byID[id]; ok {
		return name, nil
	}
	if _, _, err := g.ListLabels(ctx); err != nil {
		return "", err
	}
	if name, ok := g.byID[id]; ok {
		return name, nil
	}
	// System labels not returned by Labels.List keep their raw ID.
	return string(id), nil
}

// parseSender extracts the bare address from a From header.
func parseSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(from)
}

func mapNotFound(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %v", gc.ErrNotFound, err)
	}
	return err
}
