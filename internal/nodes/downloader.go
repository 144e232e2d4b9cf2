package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/flowpipe/internal/persistence"
	"github.com/petrijr/flowpipe/pkg/api"
)

// Downloader fetches one item to local storage, records it in the ledger as
// downloaded and adds local_path to the item.
type Downloader struct {
	connector Connector
	items     persistence.ItemStore
	campaigns persistence.CampaignStore
}

type downloaderConfig struct {
	Quality string `json:"quality"`
}

func (d *Downloader) Execute(ctx context.Context, in api.NodeInput) (*api.NodeResult, error) {
	cfg := downloaderConfig{Quality: "best"}
	if err := decodeConfig(in.Params, &cfg); err != nil {
		return nil, err
	}
	item, err := singleItem(in.Data)
	if err != nil {
		return nil, err
	}
	id := stringField(item, "platform_id")
	if in.Exec != nil {
		label := stringField(item, "description")
		if len(label) > 40 {
			label = label[:40]
		}
		if label == "" {
			label = id
		}
		in.Exec.Progress(ctx, "Downloading: "+label)
	}

	var localPath string
	switch stringField(item, "source_platform") {
	case "local":
		localPath = stringField(item, "local_path")
		if localPath == "" {
			return nil, errors.New("local item has no local_path")
		}
	default:
		if d.connector == nil {
			return nil, errors.New("downloader: no connector configured")
		}
		localPath, err = d.connector.Download(ctx, Video{
			PlatformID:  id,
			URL:         stringField(item, "url"),
			Description: stringField(item, "description"),
		}, cfg.Quality)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", id, err)
		}
	}

	recordItem(ctx, d.items, in.Exec, api.Item{
		PlatformID: id,
		Status:     api.ItemDownloaded,
		Title:      stringField(item, "description"),
		URL:        stringField(item, "url"),
		LocalPath:  localPath,
	})
	incrementCounter(ctx, d.campaigns, in.Exec, api.CounterDownloaded)

	out := copyItem(item)
	out["local_path"] = localPath
	return single(out), nil
}
