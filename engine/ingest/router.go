package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"

	"github.com/taskping/taskping/engine/normalizer"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RouterConfig tunes the webhook surface.
type RouterConfig struct {
	// AuthToken enables provider signature verification when set.
	AuthToken string
	// PublicURL is the externally visible base URL signatures are computed
	// against; falls back to the request URL when empty.
	PublicURL string
}

// NewRouter builds the webhook surface for voice and SMS provider callbacks.
func NewRouter(gateway *Gateway, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	hooks := router.Group("/hooks")
	if cfg.AuthToken != "" {
		hooks.Use(verifySignature(cfg))
	}
	hooks.POST("/voice", handleVoice(gateway))
	hooks.POST("/sms", handleSMS(gateway))
	return router
}

// handleVoice ingests call transcription callbacks. The transcript arrives
// keyed by call SID only; the gateway maps it back through the provider-id
// binding made at dispatch time.
func handleVoice(gateway *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		callSID := c.PostForm("CallSid")
		eventID := callSID
		if eventID == "" {
			eventID = NewEventID()
		}
		result, err := gateway.Ingest(c.Request.Context(), InboundEvent{
			Kind:       normalizer.KindTranscript,
			ProviderID: callSID,
			Text:       c.PostForm("TranscriptionText"),
			EventID:    "voice-" + eventID,
		})
		respond(c, result, err)
	}
}

// handleSMS ingests inbound SMS callbacks.
func handleSMS(gateway *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		messageSID := c.PostForm("MessageSid")
		eventID := messageSID
		if eventID == "" {
			eventID = NewEventID()
		}
		result, err := gateway.Ingest(c.Request.Context(), InboundEvent{
			Kind:       normalizer.KindTextMessage,
			ProviderID: messageSID,
			Text:       c.PostForm("Body"),
			EventID:    "sms-" + eventID,
		})
		respond(c, result, err)
	}
}

// respond returns success for discards too; only an internal failure may
// trigger a provider retry.
func respond(c *gin.Context, result Result, err error) {
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("webhook ingestion failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}
	if result.Discarded {
		c.JSON(http.StatusOK, gin.H{"status": "discarded", "reason": string(result.Reason)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": string(result.Outcome)})
}

// verifySignature checks the provider's request signature: base64 HMAC-SHA1
// over the callback URL plus the sorted form parameters.
func verifySignature(cfg RouterConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Twilio-Signature")
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed form"})
			return
		}
		url := cfg.PublicURL
		if url == "" {
			scheme := "http"
			if c.Request.TLS != nil {
				scheme = "https"
			}
			url = scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
		} else {
			url += c.Request.URL.RequestURI()
		}
		expected := computeSignature(cfg.AuthToken, url, c.Request.PostForm)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

func computeSignature(authToken, url string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	payload := url
	for _, key := range keys {
		for _, value := range form[key] {
			payload += key + value
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
