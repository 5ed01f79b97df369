// Package webhook turns signed HTTP POSTs into agent jobs.
//
// Each endpoint maps a path to one agent. A request is accepted only when
// its HMAC-SHA256 signature over the raw body matches the endpoint secret;
// the body, after the endpoint's instructions if any, is then submitted like
// any other job: started when the agent is idle, queued otherwise.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/github
//	      agent: reviewer
//	      project_id: web
//	      instructions: "Review the commits in this push event."
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// Signature failures always answer a bare 403 so callers learn nothing
// about which check failed. Bodies are never logged.
package webhook
