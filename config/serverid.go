package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	pkgerrors "github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

const keyServerID = "serverId"

// ResolveServerID fills in cfg.ServerID. An explicit id wins; otherwise the
// id stored in cfg.ServerIDFile is reused, and failing that a new
// <host>_Server_<pid> id is generated and stored so restarts keep it.
func ResolveServerID(cfg *ServerConfig, host string) (string, error) {
	if cfg.ServerID != "" {
		return cfg.ServerID, nil
	}
	if cfg.ServerIDFile == "" {
		cfg.ServerID = generatedServerID(host)
		return cfg.ServerID, nil
	}

	data, err := safeReadFile(cfg.ServerIDFile)
	switch {
	case err == nil:
		h, decodeErr := hash.DecodeXML(string(data))
		if decodeErr != nil {
			return "", pkgerrors.WrapInvalid(decodeErr, "Config", "ResolveServerID", "decode "+cfg.ServerIDFile)
		}
		if id := hash.GetOr(h, keyServerID, ""); id != "" {
			cfg.ServerID = id
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", pkgerrors.WrapTransient(err, "Config", "ResolveServerID", "read "+cfg.ServerIDFile)
	}

	cfg.ServerID = generatedServerID(host)
	doc, err := hash.EncodeXML(hash.New(keyServerID, cfg.ServerID))
	if err != nil {
		return "", pkgerrors.WrapFatal(err, "Config", "ResolveServerID", "encode server id")
	}
	if err := safeWriteFile(cfg.ServerIDFile, []byte(doc)); err != nil {
		return "", pkgerrors.WrapTransient(err, "Config", "ResolveServerID", "write "+cfg.ServerIDFile)
	}
	return cfg.ServerID, nil
}

func generatedServerID(host string) string {
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s_Server_%d", sanitize(host), os.Getpid())
}

// sanitize keeps host names usable as instance ids.
func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		if !isValidSubjectPart(string(r)) || r == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
