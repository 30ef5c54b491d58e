package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticsearchNotifier 把事件写入索引，供客服按 uploadId 排查
type ElasticsearchNotifier struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticsearchNotifier(client *elasticsearch.Client, index string) *ElasticsearchNotifier {
	return &ElasticsearchNotifier{client: client, index: index}
}

func (n *ElasticsearchNotifier) Name() string { return "elasticsearch" }

func (n *ElasticsearchNotifier) Notify(ctx context.Context, event models.UploadEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// eventID 作为文档 ID，重复投递只会覆盖同一文档
	res, err := n.client.Index(
		n.index,
		bytes.NewReader(body),
		n.client.Index.WithDocumentID(event.EventID),
		n.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index event: %s", res.Status())
	}
	return nil
}
