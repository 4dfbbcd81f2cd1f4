package mail

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// errNoSigningKey 密钥环中没有私钥
var errNoSigningKey = errors.New("key ring contains no private key")

// pgpStage 用配置的私钥签名，并为收件人公钥加密 (RFC 3156)
type pgpStage struct {
	signer *openpgp.Entity
	log    *zap.Logger
}

// newPGPStage 解析 ASCII armored 私钥，必要时用口令解密
func newPGPStage(armoredKey, passphrase string, log *zap.Logger) (*pgpStage, error) {
	signer, err := readSigningKey(armoredKey, passphrase)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &pgpStage{signer: signer, log: log}, nil
}

func readSigningKey(armoredKey, passphrase string) (*openpgp.Entity, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	for _, entity := range ring {
		if entity.PrivateKey == nil {
			continue
		}
		if entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("failed to decrypt private key: %w", err)
			}
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, fmt.Errorf("failed to decrypt private subkey: %w", err)
				}
			}
		}
		return entity, nil
	}
	return nil, errNoSigningKey
}

// PublicKey 导出签名密钥对应的 ASCII armored 公钥
func (p *pgpStage) PublicKey() ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := p.signer.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// recipients 解析收件人公钥，无法解析的跳过并记录警告
func (p *pgpStage) recipients(keys []string) openpgp.EntityList {
	var out openpgp.EntityList
	for i, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
		if err != nil || len(ring) == 0 {
			p.log.Warn("skipping unparsable recipient key", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, ring...)
	}
	return out
}

// Apply 在有可用收件人公钥时把邮件改写为 multipart/encrypted，
// 否则原样返回。第二个返回值表示是否已加密。
func (p *pgpStage) Apply(raw []byte, keys []string) ([]byte, bool, error) {
	to := p.recipients(keys)
	if len(to) == 0 {
		return raw, false, nil
	}

	parsed, err := mail.ReadMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse composed message: %w", err)
	}
	body, err := io.ReadAll(parsed.Body)
	if err != nil {
		return nil, false, err
	}

	// 内层实体：原始的内容头 + 正文
	var inner bytes.Buffer
	outer := make([]string, 0, len(parsed.Header))
	for key := range parsed.Header {
		outer = append(outer, key)
	}
	sort.Strings(outer)
	for _, key := range outer {
		if isContentHeader(key) {
			for _, v := range parsed.Header[key] {
				fmt.Fprintf(&inner, "%s: %s\r\n", key, v)
			}
		}
	}
	inner.WriteString("\r\n")
	inner.Write(body)

	var armored bytes.Buffer
	aw, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, false, err
	}
	pt, err := openpgp.Encrypt(aw, to, p.signer, nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encrypt message: %w", err)
	}
	if _, err := pt.Write(inner.Bytes()); err != nil {
		return nil, false, err
	}
	if err := pt.Close(); err != nil {
		return nil, false, err
	}
	if err := aw.Close(); err != nil {
		return nil, false, err
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	version, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"application/pgp-encrypted"},
		"Content-Description": {"PGP/MIME version identification"},
	})
	if err != nil {
		return nil, false, err
	}
	io.WriteString(version, "Version: 1\r\n")

	payload, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {`application/octet-stream; name="encrypted.asc"`},
		"Content-Description": {"OpenPGP encrypted message"},
		"Content-Disposition": {`inline; filename="encrypted.asc"`},
	})
	if err != nil {
		return nil, false, err
	}
	payload.Write(armored.Bytes())
	if err := mw.Close(); err != nil {
		return nil, false, err
	}

	var out bytes.Buffer
	for _, key := range outer {
		if isContentHeader(key) || key == "Mime-Version" {
			continue
		}
		for _, v := range parsed.Header[key] {
			fmt.Fprintf(&out, "%s: %s\r\n", key, v)
		}
	}
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=%q\r\n", mw.Boundary())
	out.WriteString("\r\n")
	out.Write(parts.Bytes())

	return out.Bytes(), true, nil
}

func isContentHeader(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "content-")
}
