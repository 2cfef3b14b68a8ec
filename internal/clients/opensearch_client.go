package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/models"
)

type Opensearch struct {
	Client *opensearch.Client
	Index  string
}

// NewOpensearch signs requests with SigV4 in prod and uses basic auth
// everywhere else.
func NewOpensearch(ctx context.Context, env string, cfg config.OpenSearchConfig) (Opensearch, error) {
	if cfg.Endpoint == "" {
		return Opensearch{}, errors.New("[OpenSearchClient] missing OPENSEARCH_ENDPOINT")
	}

	var osCfg opensearch.Config

	if env == "prod" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return Opensearch{}, fmt.Errorf("[OpenSearchClient] failed to load AWS config: %w", err)
		}

		osCfg = opensearch.Config{
			Addresses: []string{cfg.Endpoint},
			Transport: NewSigV4Transport(awsCfg.Credentials, v4.NewSigner(), awsCfg.Region, "es"),
		}
	} else {
		osCfg = opensearch.Config{
			Addresses: []string{cfg.Endpoint},
			Username:  cfg.Username,
			Password:  cfg.Password,
		}
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return Opensearch{}, fmt.Errorf("[OpenSearchClient] failed to initialize client: %w", err)
	}

	return Opensearch{Client: client, Index: cfg.Index}, nil
}

type sigV4Transport struct {
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	region      string
	service     string
	next        http.RoundTripper
}

func NewSigV4Transport(creds aws.CredentialsProvider, signer *v4.Signer, region string, service string) http.RoundTripper {
	return &sigV4Transport{
		credentials: creds,
		signer:      signer,
		region:      region,
		service:     service,
		next:        http.DefaultTransport,
	}
}

func (t *sigV4Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, err
	}

	signedReq := req.Clone(req.Context())
	signedReq.Header.Del("Authorization")

	err = t.signer.SignHTTP(
		req.Context(),
		creds,
		signedReq,
		v4.GetPayloadHash(req.Context()),
		t.service,
		t.region,
		time.Now(),
	)
	if err != nil {
		return nil, err
	}

	return t.next.RoundTrip(signedReq)
}

func (o Opensearch) IsHealthy(ctx context.Context) bool {
	res, err := o.Client.Do(ctx, opensearchapi.ClusterHealthReq{}, nil)
	if err != nil {
		return false
	}
	defer res.Body.Close()

	return !res.IsError() && res.StatusCode == http.StatusOK
}

type publishedPostDocument struct {
	PostID      int64     `json:"post_id"`
	TenantID    int64     `json:"tenant_id"`
	Platform    string    `json:"platform"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content"`
	Hashtags    []string  `json:"hashtags"`
	RemoteID    string    `json:"remote_id"`
	RemoteURL   string    `json:"remote_url"`
	PublishedAt time.Time `json:"published_at"`
}

// IndexPublishedPost upserts a published post into the search index keyed by
// post id.
func (o Opensearch) IndexPublishedPost(ctx context.Context, post models.Post) error {
	slog.Info("[OpenSearchClient] Indexing published post",
		slog.Int64("post_id", post.ID))

	doc := publishedPostDocument{
		PostID:      post.ID,
		TenantID:    post.TenantID,
		Platform:    post.Platform,
		ContentType: post.ContentType,
		Content:     post.Content,
		Hashtags:    post.Hashtags,
		RemoteID:    post.RemoteID,
		RemoteURL:   post.RemoteURL,
	}
	if post.PublishedAt != nil {
		doc.PublishedAt = *post.PublishedAt
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal post %d: %w", post.ID, err)
	}

	req := opensearchapi.IndexReq{
		Index:      o.Index,
		DocumentID: strconv.FormatInt(post.ID, 10),
		Body:       bytes.NewReader(payload),
	}

	res, err := o.Client.Do(ctx, req, nil)
	if err != nil {
		slog.Error("[OpenSearchClient] Failed to index post",
			slog.String("error", err.Error()))
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		slog.Error("[OpenSearchClient] OpenSearch indexing error",
			slog.String("status", res.Status()))
		return fmt.Errorf("opensearch error: %s", res.Status())
	}

	return nil
}
