package mail

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// sesAPI sesv2.Client 中用到的方法
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 Amazon SES v2 发送原始 MIME 邮件
type SESSender struct {
	client sesAPI
	log    *zap.Logger
}

// NewSESSender 创建 SES 驱动，实现 SenderFactory
//
// 设置了访问密钥时使用静态凭证，否则使用默认凭证链。
func NewSESSender(ctx context.Context, settings TransportSettings, log *zap.Logger) (Sender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(settings.SESRegion)}
	if settings.SESAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.SESAccessKey, settings.SESSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newSESSender(sesv2.NewFromConfig(awsCfg), log), nil
}

func newSESSender(client sesAPI, log *zap.Logger) *SESSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESSender{client: client, log: log}
}

// Send 实现 Sender
func (s *SESSender) Send(ctx context.Context, from string, to []string, raw []byte) error {
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	s.log.Debug("ses message accepted", zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// Close 实现 Sender；SES 客户端无需释放资源
func (s *SESSender) Close() error { return nil }
