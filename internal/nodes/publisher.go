package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
)

// RotationKey is the variable holding the round-robin position of the
// publisher, so that rotation survives restarts with the campaign.
const RotationKey = "publisher_rotation"

// Account rotation strategies.
const (
	RotateRoundRobin = "round_robin"
	RotateRandom     = "random"
	RotateAll        = "all"
)

// Publisher uploads one downloaded item to one or more accounts. Expired
// sessions and captchas are reported as blocked so the job waits for a
// human instead of retrying.
type Publisher struct {
	connector Connector
	accounts  AccountStore
	items     persistence.ItemStore
	campaigns persistence.CampaignStore
	rand      func() float64
}

type publisherConfig struct {
	Accounts        []any  `json:"accounts"`
	Privacy         string `json:"privacy"`
	AccountRotation string `json:"account_rotation"`
	Platform        string `json:"platform"`
}

func (p *Publisher) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	if p.connector == nil || p.accounts == nil {
		return nil, errors.New("publisher: connector and account store are required")
	}
	cfg := publisherConfig{Privacy: "public", AccountRotation: RotateRoundRobin, Platform: "tiktok"}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	item, err := singleItem(in.Data)
	if err != nil {
		return nil, err
	}
	ids := accountIDs(cfg.Accounts)
	if len(ids) == 0 {
		return nil, errors.New("no accounts configured")
	}

	targets := p.selectAccounts(ids, cfg.AccountRotation, in.Exec)
	results := make([]any, 0, len(targets))
	for _, id := range targets {
		res, err := p.publish(ctx, in, cfg, item, id)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if len(results) == 1 {
		return &api.NodeResult{Status: api.ResultOK, Data: results[0], EmitMode: api.EmitEach}, nil
	}
	return api.Ok(results), nil
}

func (p *Publisher) selectAccounts(ids []string, strategy string, ec *api.ExecContext) []string {
	switch strategy {
	case RotateAll:
		return ids
	case RotateRandom:
		return []string{ids[int(p.rand()*float64(len(ids)))%len(ids)]}
	}
	var n int
	if ec != nil {
		if v, ok := ec.Get(RotationKey); ok {
			f, _ := toFloat(v)
			n = int(f)
		}
		ec.Set(RotationKey, n+1)
	}
	return []string{ids[n%len(ids)]}
}

func (p *Publisher) publish(ctx context.Context, in api.NodeInput, cfg publisherConfig, item map[string]any, accountID string) (map[string]any, error) {
	account, err := p.accounts.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.SessionStatus == SessionExpired {
		return nil, api.NewBlockedError(fmt.Sprintf("session expired for account %s", accountID))
	}

	caption := stringField(item, "generated_caption")
	if caption == "" {
		caption = stringField(item, "description")
	}
	file := stringField(item, "processed_path")
	if file == "" {
		file = stringField(item, "local_path")
	}
	if file == "" {
		return nil, errors.New("no video file available to publish")
	}

	if in.Exec != nil {
		in.Exec.Progress(ctx, fmt.Sprintf("Publishing to @%s...", account.Username))
	}
	res, err := p.connector.Publish(ctx, PublishRequest{
		FilePath: file,
		Caption:  caption,
		Privacy:  cfg.Privacy,
		Account:  *account,
	})
	if err != nil {
		return nil, err
	}
	if res.RequiresCaptcha {
		return nil, api.NewBlockedError("captcha")
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "publish failed"
		}
		return nil, errors.New(msg)
	}

	platformID := stringField(item, "platform_id")
	recordItem(ctx, p.items, in.Exec, api.Item{
		PlatformID: platformID,
		Status:     api.ItemPublished,
		URL:        res.URL,
		Meta:       map[string]any{"account_id": accountID, "platform_video_id": res.VideoID},
	})
	incrementCounter(ctx, p.campaigns, in.Exec, api.CounterPublished)
	if in.Exec != nil {
		in.Exec.Progress(ctx, "Published: "+res.URL)
	}
	return map[string]any{
		"success":           true,
		"platform":          cfg.Platform,
		"account_id":        accountID,
		"published_url":     res.URL,
		"platform_video_id": res.VideoID,
		"platform_id":       platformID,
	}, nil
}

// accountIDs accepts plain ids or objects carrying an "id".
func accountIDs(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		switch t := a.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case map[string]any:
			if id := stringField(t, "id"); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
