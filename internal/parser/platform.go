// File path: internal/parser/platform.go
package parser

import "strings"

// DefaultPlatform is assumed when no rule files exist or no resource type
// matches the rule table.
const DefaultPlatform = "Kubernetes"

type platformRule struct {
	substring string
	platform  string
}

// platformRules maps resource-type substrings to platforms in priority
// order: first match wins, cloud providers before orchestrator vocabulary so
// that e.g. "aws_eks_nodegroup" classifies as AWS.
var platformRules = []platformRule{
	{"aws", "AWS"},
	{"amazon", "AWS"},
	{"elbv2", "AWS"},
	{"ec2", "AWS"},
	{"azure", "Azure"},
	{"azurerm", "Azure"},
	{"aks", "Azure"},
	{"gcp", "GCP"},
	{"google", "GCP"},
	{"gke", "GCP"},
	{"deployment", "Kubernetes"},
	{"statefulset", "Kubernetes"},
	{"daemonset", "Kubernetes"},
	{"replicaset", "Kubernetes"},
	{"pod", "Kubernetes"},
	{"ingress", "Kubernetes"},
	{"namespace", "Kubernetes"},
	{"node", "Kubernetes"},
	{"service", "Kubernetes"},
}

// InferPlatform classifies a set of discovery resource types. The function
// is pure so the mapping stays testable without the rest of the parser.
func InferPlatform(resourceTypes []string) string {
	for _, rule := range platformRules {
		for _, resourceType := range resourceTypes {
			if strings.Contains(strings.ToLower(strings.TrimSpace(resourceType)), rule.substring) {
				return rule.platform
			}
		}
	}
	return DefaultPlatform
}
