package cryptoutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// KMS Encrypt caps plaintext at 4096 bytes; plenty for a rule document,
// and a loud failure beats silent truncation if that ever changes.
const maxSealSize = 4096

// kmsAPI is the subset of the KMS client the sealer needs. Extracted as an
// interface to enable unit testing without live AWS credentials.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Sealer encrypts small payloads at rest with a KMS key. Used for the
// protection-rule object stored in the bucket.
type Sealer struct {
	client kmsAPI
	keyARN string
}

func NewSealer(client *kms.Client, keyARN string) *Sealer {
	return &Sealer{client: client, keyARN: keyARN}
}

func (s *Sealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) > maxSealSize {
		return nil, xerrors.Newf("payload %d bytes exceeds KMS limit %d", len(plaintext), maxSealSize)
	}
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyARN),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (s *Sealer) Unseal(ctx context.Context, blob []byte) ([]byte, error) {
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyARN),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms decrypt")
	}
	return out.Plaintext, nil
}
