// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-fieldsync/fieldqueue"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/geo"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	visitStore    string
	visitLat      float64
	visitLon      float64
	visitAccuracy float64
	visitStoreLat float64
	visitStoreLon float64
)

var visitCmd = &cobra.Command{
	Use:   "visit",
	Short: "Check in at a store",
	Long: `Record a check-in at the current position. With --store-lat and --store-lon the
distance to the store is checked before anything is sent or queued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAgent(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		in := fieldqueue.VisitInput{
			StoreID:   visitStore,
			Latitude:  visitLat,
			Longitude: visitLon,
			Accuracy:  visitAccuracy,
		}
		if cmd.Flags().Changed("store-lat") && cmd.Flags().Changed("store-lon") {
			in.StoreLocation = &geo.Point{Latitude: visitStoreLat, Longitude: visitStoreLon}
		}
		created, err := a.client.Visits.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

var (
	orderVisit string
	orderItems []string
	orderNotes string
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Take an order during a visit",
	Long: `Take an order for a visit recorded on this device. Items are given as
product:quantity:unit_price, for example --item coca-600:24:12.50.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := parseItems(orderItems)
		if err != nil {
			return err
		}
		a, err := openAgent(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.client.Orders.Create(cmd.Context(), fieldqueue.OrderInput{
			VisitOfflineID: orderVisit,
			Items:          items,
			Notes:          orderNotes,
		})
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

func parseItems(raw []string) ([]fieldsync.OrderItemRequest, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one --item is required")
	}
	items := make([]fieldsync.OrderItemRequest, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("item %q: want product:quantity:unit_price", s)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("item %q: quantity: %w", s, err)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("item %q: unit price: %w", s, err)
		}
		items = append(items, fieldsync.OrderItemRequest{ProductID: parts[0], Quantity: qty, UnitPrice: price})
	}
	return items, nil
}

var (
	photoVisit   string
	photoFile    string
	photoCaption string
)

var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Attach a photo to a visit",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(photoFile)
		if err != nil {
			return err
		}
		a, err := openAgent(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.client.Photos.Create(cmd.Context(), fieldqueue.PhotoInput{
			VisitOfflineID: photoVisit,
			Caption:        photoCaption,
			Content:        content,
		})
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

func init() {
	visitCmd.Flags().StringVar(&visitStore, "store", "", "store id")
	visitCmd.Flags().Float64Var(&visitLat, "lat", 0, "current latitude")
	visitCmd.Flags().Float64Var(&visitLon, "lon", 0, "current longitude")
	visitCmd.Flags().Float64Var(&visitAccuracy, "accuracy", 0, "GPS accuracy in meters")
	visitCmd.Flags().Float64Var(&visitStoreLat, "store-lat", 0, "store latitude for the local distance check")
	visitCmd.Flags().Float64Var(&visitStoreLon, "store-lon", 0, "store longitude for the local distance check")
	_ = visitCmd.MarkFlagRequired("store")
	_ = visitCmd.MarkFlagRequired("lat")
	_ = visitCmd.MarkFlagRequired("lon")

	orderCmd.Flags().StringVar(&orderVisit, "visit", "", "offline id of the visit")
	orderCmd.Flags().StringArrayVar(&orderItems, "item", nil, "product:quantity:unit_price (repeatable)")
	orderCmd.Flags().StringVar(&orderNotes, "notes", "", "delivery notes")
	_ = orderCmd.MarkFlagRequired("visit")

	photoCmd.Flags().StringVar(&photoVisit, "visit", "", "offline id of the visit")
	photoCmd.Flags().StringVar(&photoFile, "file", "", "JPEG, PNG or WebP image")
	photoCmd.Flags().StringVar(&photoCaption, "caption", "", "caption")
	_ = photoCmd.MarkFlagRequired("visit")
	_ = photoCmd.MarkFlagRequired("file")
}
