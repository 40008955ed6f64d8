// Package api is the read-only HTTP query surface over core.Processor:
// history, UTXOs, balance, and the current header (spec.md section 6
// "Query surface"). Grounded on the teacher's gin.Default()/ReleaseMode
// server setup; the routes themselves are new, since the teacher's were
// MetaContract FT/NFT token-lookup endpoints this repo does not carry
// (spec.md section 1 names that surface an external collaborator, not
// something this repo implements).
package api

import (
	"encoding/hex"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/metaid/blockindexer/core"
)

// AddressEncoder renders an AddressID back into the chain's native
// string form, so query responses can carry a human-readable address
// alongside the raw hex form. Optional: a nil encoder just omits the
// field.
type AddressEncoder interface {
	EncodeAddress(id core.AddressID) (string, error)
}

// Server exposes core.Processor's query methods over HTTP.
type Server struct {
	proc    *core.Processor
	encoder AddressEncoder
	Router  *gin.Engine
}

// NewServer builds a Server around an already-open Processor. encoder may
// be nil, in which case responses omit the decoded address string.
func NewServer(proc *core.Processor, encoder AddressEncoder) *Server {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	s := &Server{proc: proc, encoder: encoder, Router: gin.Default()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.Router.GET("/history", s.getHistory)
	s.Router.GET("/utxos", s.getUTXOs)
	s.Router.GET("/utxos/sorted", s.getUTXOsSorted)
	s.Router.GET("/balance", s.getBalance)
	s.Router.GET("/header", s.getHeader)
}

// Start runs the HTTP server, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// parseAddress decodes the hex-encoded address query parameter into a
// core.AddressID, matching the byte width ClassifyOutputScript produces.
func parseAddress(c *gin.Context) (core.AddressID, bool) {
	raw := c.Query("address")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address parameter is required"})
		return core.AddressID{}, false
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != core.AddressLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be a " + strconv.Itoa(core.AddressLen) + "-byte hex string"})
		return core.AddressID{}, false
	}
	var addr core.AddressID
	copy(addr[:], decoded)
	return addr, true
}

// parseLimit reads the optional limit query parameter, defaulting to
// 1000 per spec.md section 6 ("limit=1000|None"); limit=0 yields an
// empty result, and limit=-1 or limit=all (which returns nil) requests
// an unbounded one.
func parseLimit(c *gin.Context) *int {
	raw := c.Query("limit")
	if raw == "" {
		n := 1000
		return &n
	}
	if raw == "all" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		n = 1000
	}
	return &n
}

// addressFields builds the response's address identifiers: always the
// hex form the caller passed in, plus the chain's native string form
// when s.encoder can produce one.
func (s *Server) addressFields(c *gin.Context, addr core.AddressID) gin.H {
	fields := gin.H{"address": c.Query("address")}
	if s.encoder != nil {
		if str, err := s.encoder.EncodeAddress(addr); err == nil {
			fields["address_string"] = str
		}
	}
	return fields
}

func (s *Server) getHistory(c *gin.Context) {
	addr, ok := parseAddress(c)
	if !ok {
		return
	}
	history, err := s.proc.GetHistory(addr, parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, len(history))
	for i, h := range history {
		out[i] = gin.H{"tx_hash": hex.EncodeToString(h.TxHash[:]), "height": h.Height}
	}
	resp := s.addressFields(c, addr)
	resp["history"] = out
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getUTXOs(c *gin.Context) {
	addr, ok := parseAddress(c)
	if !ok {
		return
	}
	utxos, err := s.proc.GetUTXOs(addr, parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := s.addressFields(c, addr)
	resp["utxos"] = encodeUTXOs(utxos)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getUTXOsSorted(c *gin.Context) {
	addr, ok := parseAddress(c)
	if !ok {
		return
	}
	utxos, err := s.proc.GetUTXOsSorted(addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := s.addressFields(c, addr)
	resp["utxos"] = encodeUTXOs(utxos)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getBalance(c *gin.Context) {
	addr, ok := parseAddress(c)
	if !ok {
		return
	}
	balance, err := s.proc.GetBalance(addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := s.addressFields(c, addr)
	resp["balance"] = balance
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHeader(c *gin.Context) {
	header, err := s.proc.GetCurrentHeader()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": s.proc.Height(), "header": hex.EncodeToString(header)})
}

func encodeUTXOs(utxos []core.UTXO) []gin.H {
	out := make([]gin.H, len(utxos))
	for i, u := range utxos {
		out[i] = gin.H{
			"tx_num":  u.TxNum,
			"tx_pos":  u.TxPos,
			"tx_hash": hex.EncodeToString(u.TxHash[:]),
			"height":  u.Height,
			"value":   u.Value,
		}
	}
	return out
}
