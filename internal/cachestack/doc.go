// cachestack declares the infrastructure for serving Docker Hub images
// through an ECR pull-through cache to an App Runner service.
//
// # Overview
//
// The stack is a fixed resource graph. Construction reads the Docker Hub
// credentials from the environment and fails before declaring anything if
// either value is missing.
//
// # Resources
//
// The constructor declares the following resources in order:
//  1. Secret - Docker Hub credentials, named with the prefix ECR requires for
//     pull-through cache secrets
//  2. Access Role - assumed by App Runner to pull images from ECR
//  3. Pull-Through Cache Rule - mirrors Docker Hub under the "dockerhub" prefix
//  4. Registry Policy - lets the access role create cache repositories and
//     import upstream images under the prefix
//  5. Repository - "dockerhub/library/nginx", emptied and removed on delete
//  6. Service - App Runner service running the repository image on port 80
//
// Ordering between resources is inferred from references, with one explicit
// edge: the service depends on the registry policy so its first image pull
// cannot race the policy.
package cachestack
