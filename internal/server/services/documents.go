package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	sc "github.com/dmitrijs2005/digsync/internal/server/config"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/repomanager"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

const presignExpiry = 15 * time.Minute

// DocumentService hands out presigned URLs for the binary attached to a
// document object. The binary itself never passes through the server.
type DocumentService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

func NewDocumentService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config) *DocumentService {
	return &DocumentService{
		db:          db,
		repomanager: repomanager,
		config:      config,
	}
}

// DocumentKey is the storage key of a document binary.
func DocumentKey(documentUUID string) string {
	return "documents/" + documentUUID
}

func (s *DocumentService) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	return newS3PresignClient(client), nil
}

// checkDocument loads the object behind id. A missing object is only
// acceptable for uploads, which may precede the first sync of the record.
func (s *DocumentService) checkDocument(ctx context.Context, id string, mustExist bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: document uuid %q", common.ErrInvalidEnvelope, id)
	}
	o, err := s.repomanager.Objects(s.db).Get(ctx, id)
	if errors.Is(err, common.ErrorNotFound) && !mustExist {
		return nil
	}
	if err != nil {
		return err
	}
	if o.Table != models.TableDocument {
		return fmt.Errorf("%w: %s is a %s", common.ErrInvalidEnvelope, id, o.Table)
	}
	return nil
}

func (s *DocumentService) UploadURL(ctx context.Context, req protocol.DocumentURLRequest) (protocol.DocumentURLReply, error) {
	if err := s.checkDocument(ctx, req.UUID, false); err != nil {
		return protocol.DocumentURLReply{}, err
	}

	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return protocol.DocumentURLReply{}, err
	}

	bucket := s.config.S3Bucket
	key := DocumentKey(req.UUID)

	r, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return protocol.DocumentURLReply{}, err
	}

	return protocol.DocumentURLReply{URL: r.URL, Key: key}, nil
}

func (s *DocumentService) DownloadURL(ctx context.Context, req protocol.DocumentURLRequest) (protocol.DocumentURLReply, error) {
	if err := s.checkDocument(ctx, req.UUID, true); err != nil {
		return protocol.DocumentURLReply{}, err
	}

	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return protocol.DocumentURLReply{}, err
	}

	bucket := s.config.S3Bucket
	key := DocumentKey(req.UUID)

	r, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return protocol.DocumentURLReply{}, err
	}

	return protocol.DocumentURLReply{URL: r.URL, Key: key}, nil
}
