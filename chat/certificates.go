package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lindachat/crypto"
	"lindachat/graph"
)

// Certifier signs capability certificates with the principal's identity key.
type Certifier interface {
	Issue(grantees []string, pattern string, expires int64) (string, error)
}

const (
	friendRequestsPattern = "friend_requests/*"
	addFriendPattern      = "friends/*"
)

var errNoCertifier = errors.New("chat: no certifier configured")

// CertificateService publishes the certificates that let other principals
// write into the caller's namespace. Each certificate is issued once.
type CertificateService struct {
	graph     graph.Graph
	session   *Session
	certifier Certifier
	log       zerolog.Logger
}

// EnsureFriendRequestsCertificate lets anyone drop a friend request into the
// caller's friend_requests list.
func (s *CertificateService) EnsureFriendRequestsCertificate(ctx context.Context) (string, error) {
	me, err := s.session.Current()
	if err != nil {
		return "", err
	}
	return s.ensure(ctx, graph.UserPath(me.Pub, "certificates", "friend_requests"), []string{crypto.AnyGrantee}, friendRequestsPattern)
}

// EnsureAddFriendCertificate lets peer add itself to the caller's friends list.
func (s *CertificateService) EnsureAddFriendCertificate(ctx context.Context, peer string) (string, error) {
	me, err := s.session.Current()
	if err != nil {
		return "", err
	}
	return s.ensure(ctx, graph.UserPath(me.Pub, "certificates", peer, "add_friend"), []string{peer}, addFriendPattern)
}

func (s *CertificateService) ensure(ctx context.Context, path string, grantees []string, pattern string) (string, error) {
	existing, err := readCertificate(ctx, s.graph, path)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if s.certifier == nil {
		return "", errNoCertifier
	}

	cert, err := s.certifier.Issue(grantees, pattern, 0)
	if err != nil {
		return "", fmt.Errorf("issue certificate for %s: %w", pattern, err)
	}
	if err := s.graph.Put(ctx, path, cert); err != nil {
		return "", writeFailure(path, err)
	}
	s.log.Debug().Str("path", path).Msg("certificate issued")
	return cert, nil
}

func readCertificate(ctx context.Context, g graph.Graph, path string) (string, error) {
	node, err := g.Get(ctx, path)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return "", fmt.Errorf("%w: certificate %s", ErrNotFound, path)
		}
		return "", err
	}
	var cert string
	if err := node.Decode(&cert); err != nil {
		return "", fmt.Errorf("decode certificate %s: %w", path, err)
	}
	return cert, nil
}
